package document

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/livedoc/internal/schema"
	"github.com/roach88/livedoc/internal/value"
)

// Reserved record keys.
const (
	KeySeq            = "__seq"
	KeyEntropy        = "__entropy"
	KeyState          = "__state"
	KeyConstructed    = "__constructed"
	KeyNextTime       = "__next_time"
	KeyLastExpireTime = "__last_expire_time"
	KeyBlocked        = "__blocked"
	KeyClients        = "__clients"
	KeyMessages       = "__messages"
	KeyFutures        = "__futures"
	KeyTimeouts       = "__timeouts"
	KeyEnqueued       = "__enqueued"
	KeyCache          = "__cache"
	KeyWebQueue       = "__webqueue"
	KeyReplication    = "__replication"
)

// Client is one live connection.
type Client struct {
	Who  Principal
	View value.Object
}

// Message is an inbound message queued on a future channel.
type Message struct {
	ID      string
	Channel string
	Who     Principal
	Payload value.Value
	At      int64
}

// Task is a scheduled cron task.
type Task struct {
	Schedule string
	NextFire int64
}

// CacheEntry holds a delivered remote-service result.
type CacheEntry struct {
	Result value.Value
	Error  string
}

// WebRequest is a web put waiting on a parked continuation.
type WebRequest struct {
	Path   string
	Who    Principal
	Future string
}

// Replica is a named value published for replication.
type Replica struct {
	Value value.Value
	Seq   int64
}

// Record is the typed view of a document's persisted JSON object.
type Record struct {
	Seq            int64
	Entropy        int64
	State          string
	Constructed    bool
	NextTime       int64
	LastExpireTime int64
	Blocked        bool
	Clients        map[string]Client
	Messages       []Message
	Futures        map[string]*Future
	Timeouts       map[string]int64
	Enqueued       map[string]Task
	Cache          map[string]CacheEntry
	WebQueue       map[string]WebRequest
	Replication    map[string]Replica
	Fields         value.Object
}

// NewRecord returns an empty record carrying the schema defaults.
func NewRecord(doc *schema.Document) *Record {
	return &Record{
		Clients:     map[string]Client{},
		Futures:     map[string]*Future{},
		Timeouts:    map[string]int64{},
		Enqueued:    map[string]Task{},
		Cache:       map[string]CacheEntry{},
		WebQueue:    map[string]WebRequest{},
		Replication: map[string]Replica{},
		Fields:      doc.Defaults(),
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	out, err := RecordOf(r.Object())
	if err != nil {
		panic(fmt.Sprintf("record round trip: %v", err))
	}
	return out
}

// Object flattens the record into its persisted shape. Every reserved key
// is present.
func (r *Record) Object() value.Object {
	obj := r.Fields.Clone()
	if obj == nil {
		obj = value.Object{}
	}
	obj[KeySeq] = value.Int(r.Seq)
	obj[KeyEntropy] = value.Int(r.Entropy)
	obj[KeyState] = value.String(r.State)
	obj[KeyConstructed] = value.Bool(r.Constructed)
	obj[KeyNextTime] = value.Int(r.NextTime)
	obj[KeyLastExpireTime] = value.Int(r.LastExpireTime)
	obj[KeyBlocked] = value.Bool(r.Blocked)

	clients := value.Object{}
	for id, c := range r.Clients {
		view := c.View.Clone()
		if view == nil {
			view = value.Object{}
		}
		clients[id] = value.Obj(value.P("who", c.Who.Value()), value.P("view", view))
	}
	obj[KeyClients] = clients

	messages := make(value.Array, 0, len(r.Messages))
	for _, m := range r.Messages {
		messages = append(messages, value.Obj(
			value.P("id", value.String(m.ID)),
			value.P("channel", value.String(m.Channel)),
			value.P("who", m.Who.Value()),
			value.P("payload", value.Clone(m.Payload)),
			value.P("at", value.Int(m.At)),
		))
	}
	obj[KeyMessages] = messages

	futures := value.Object{}
	for id, f := range r.Futures {
		futures[id] = f.object()
	}
	obj[KeyFutures] = futures

	timeouts := value.Object{}
	for id, deadline := range r.Timeouts {
		timeouts[id] = value.Int(deadline)
	}
	obj[KeyTimeouts] = timeouts

	enqueued := value.Object{}
	for name, t := range r.Enqueued {
		enqueued[name] = value.Obj(value.P("schedule", value.String(t.Schedule)), value.P("next_fire", value.Int(t.NextFire)))
	}
	obj[KeyEnqueued] = enqueued

	cache := value.Object{}
	for id, e := range r.Cache {
		if e.Error != "" {
			cache[id] = value.Obj(value.P("error", value.String(e.Error)))
		} else {
			cache[id] = value.Obj(value.P("result", value.Clone(e.Result)))
		}
	}
	obj[KeyCache] = cache

	web := value.Object{}
	for id, w := range r.WebQueue {
		web[id] = value.Obj(
			value.P("path", value.String(w.Path)),
			value.P("who", w.Who.Value()),
			value.P("future", value.String(w.Future)),
		)
	}
	obj[KeyWebQueue] = web

	replication := value.Object{}
	for name, rep := range r.Replication {
		replication[name] = value.Obj(value.P("value", value.Clone(rep.Value)), value.P("seq", value.Int(rep.Seq)))
	}
	obj[KeyReplication] = replication
	return obj
}

// RecordOf parses a persisted record object.
func RecordOf(obj value.Object) (*Record, error) {
	r := &Record{
		Seq:            obj.Int(KeySeq),
		Entropy:        obj.Int(KeyEntropy),
		State:          obj.Str(KeyState),
		Constructed:    obj.Bool(KeyConstructed),
		NextTime:       obj.Int(KeyNextTime),
		LastExpireTime: obj.Int(KeyLastExpireTime),
		Blocked:        obj.Bool(KeyBlocked),
		Clients:        map[string]Client{},
		Futures:        map[string]*Future{},
		Timeouts:       map[string]int64{},
		Enqueued:       map[string]Task{},
		Cache:          map[string]CacheEntry{},
		WebQueue:       map[string]WebRequest{},
		Replication:    map[string]Replica{},
		Fields:         value.Object{},
	}
	for k, v := range obj {
		if !strings.HasPrefix(k, "__") {
			r.Fields[k] = value.Clone(v)
		}
	}

	for id, raw := range obj.Obj(KeyClients) {
		c, ok := raw.(value.Object)
		if !ok {
			return nil, fmt.Errorf("%s.%s: not an object", KeyClients, id)
		}
		r.Clients[id] = Client{Who: PrincipalOf(c.Obj("who")), View: c.Obj("view").Clone()}
	}

	for i, raw := range obj.Arr(KeyMessages) {
		m, ok := raw.(value.Object)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: not an object", KeyMessages, i)
		}
		r.Messages = append(r.Messages, Message{
			ID:      m.Str("id"),
			Channel: m.Str("channel"),
			Who:     PrincipalOf(m.Obj("who")),
			Payload: value.Clone(m["payload"]),
			At:      m.Int("at"),
		})
	}

	for id, raw := range obj.Obj(KeyFutures) {
		f, err := futureOf(id, raw)
		if err != nil {
			return nil, err
		}
		r.Futures[id] = f
	}

	for id, raw := range obj.Obj(KeyTimeouts) {
		n, ok := raw.(value.Int)
		if !ok {
			return nil, fmt.Errorf("%s.%s: not an integer", KeyTimeouts, id)
		}
		r.Timeouts[id] = int64(n)
	}

	for name, raw := range obj.Obj(KeyEnqueued) {
		t, _ := raw.(value.Object)
		r.Enqueued[name] = Task{Schedule: t.Str("schedule"), NextFire: t.Int("next_fire")}
	}

	for id, raw := range obj.Obj(KeyCache) {
		e, _ := raw.(value.Object)
		if _, failed := e["error"]; failed {
			r.Cache[id] = CacheEntry{Error: e.Str("error")}
			continue
		}
		r.Cache[id] = CacheEntry{Result: value.Clone(e["result"])}
	}

	for id, raw := range obj.Obj(KeyWebQueue) {
		w, _ := raw.(value.Object)
		r.WebQueue[id] = WebRequest{Path: w.Str("path"), Who: PrincipalOf(w.Obj("who")), Future: w.Str("future")}
	}

	for name, raw := range obj.Obj(KeyReplication) {
		rep, _ := raw.(value.Object)
		r.Replication[name] = Replica{Value: value.Clone(rep["value"]), Seq: rep.Int("seq")}
	}
	return r, nil
}

// Encode returns the canonical JSON encoding of the record.
func (r *Record) Encode() ([]byte, error) {
	return value.Encode(r.Object())
}

// DecodeRecord parses canonical record JSON.
func DecodeRecord(data []byte) (*Record, error) {
	obj, err := value.DecodeObject(data)
	if err != nil {
		return nil, err
	}
	return RecordOf(obj)
}

// Hash is the content hash of the record, used to compare replicas.
func (r *Record) Hash() string {
	return value.MustHash(value.DomainRecord, r.Object())
}

// FutureIDs returns parked continuation ids in id order. Ids are ULIDs, so
// this is creation order.
func (r *Record) FutureIDs() []string {
	ids := make([]string, 0, len(r.Futures))
	for id := range r.Futures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectionIDs returns connection ids in sorted order.
func (r *Record) ConnectionIDs() []string {
	ids := make([]string, 0, len(r.Clients))
	for id := range r.Clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// connected reports whether who holds any connection.
func (r *Record) connected(who Principal) bool {
	for _, c := range r.Clients {
		if c.Who == who {
			return true
		}
	}
	return false
}
