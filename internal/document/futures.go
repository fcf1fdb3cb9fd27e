package document

import (
	"fmt"

	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/value"
)

// FutureKind says what a parked continuation is waiting for.
type FutureKind string

const (
	FutureFetch        FutureKind = "fetch"
	FutureFetchMany    FutureKind = "fetch_many"
	FutureFetchTimeout FutureKind = "fetch_timeout"
	FutureChoose       FutureKind = "choose"
	FutureDecide       FutureKind = "decide"
	FutureCall         FutureKind = "call"
)

// Answer is one input a parked execution already consumed. Absent marks a
// fetchTimeout that expired.
type Answer struct {
	Value  value.Value
	Absent bool
}

// Future is a parked continuation: the command to re-execute, the inputs
// it has consumed so far, and what it is waiting for next.
type Future struct {
	ID   string
	Kind FutureKind

	// Channel futures.
	Channel string
	Who     Principal
	Limit   int64
	Options value.Array

	// Service calls.
	Service string
	Method  string
	Arg     value.Value
	Call    string

	// The fetchTimeout window is [Started, Deadline).
	Started  int64
	Deadline int64

	Answers []Answer
	Resume  Command
}

// accepts reports whether m can satisfy the future.
func (f *Future) accepts(m Message) bool {
	switch f.Kind {
	case FutureFetch, FutureFetchMany, FutureChoose, FutureDecide:
		return m.Channel == f.Channel && m.Who == f.Who
	case FutureFetchTimeout:
		return m.Channel == f.Channel && m.Who == f.Who && m.At >= f.Started && m.At < f.Deadline
	default:
		return false
	}
}

// awaits reports whether the future is waiting on input from who.
func (f *Future) awaits(who Principal) bool {
	return f.Kind != FutureCall && f.Who == who
}

func (f *Future) object() value.Object {
	answers := make(value.Array, 0, len(f.Answers))
	for _, a := range f.Answers {
		if a.Absent {
			answers = append(answers, value.Object{})
		} else {
			answers = append(answers, value.Obj(value.P("v", value.Clone(a.Value))))
		}
	}
	options := value.Array{}
	for _, o := range f.Options {
		options = append(options, value.Clone(o))
	}
	obj := value.Obj(
		value.P("kind", value.String(f.Kind)),
		value.P("channel", value.String(f.Channel)),
		value.P("who", f.Who.Value()),
		value.P("limit", value.Int(f.Limit)),
		value.P("options", options),
		value.P("service", value.String(f.Service)),
		value.P("method", value.String(f.Method)),
		value.P("call", value.String(f.Call)),
		value.P("started", value.Int(f.Started)),
		value.P("deadline", value.Int(f.Deadline)),
		value.P("answers", answers),
		value.P("resume", f.Resume.Value()),
	)
	if f.Arg != nil {
		obj["arg"] = value.Clone(f.Arg)
	}
	return obj
}

func futureOf(id string, raw value.Value) (*Future, error) {
	obj, ok := raw.(value.Object)
	if !ok {
		return nil, fmt.Errorf("%s.%s: not an object", KeyFutures, id)
	}
	resume, err := CommandOf(obj.Obj("resume"))
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", KeyFutures, id, err)
	}
	f := &Future{
		ID:       id,
		Kind:     FutureKind(obj.Str("kind")),
		Channel:  obj.Str("channel"),
		Who:      PrincipalOf(obj.Obj("who")),
		Limit:    obj.Int("limit"),
		Options:  obj.Arr("options"),
		Service:  obj.Str("service"),
		Method:   obj.Str("method"),
		Call:     obj.Str("call"),
		Started:  obj.Int("started"),
		Deadline: obj.Int("deadline"),
		Resume:   resume,
	}
	if arg, ok := obj["arg"]; ok {
		f.Arg = value.Clone(arg)
	}
	for _, raw := range obj.Arr("answers") {
		a, _ := raw.(value.Object)
		if v, ok := a["v"]; ok {
			f.Answers = append(f.Answers, Answer{Value: value.Clone(v)})
		} else {
			f.Answers = append(f.Answers, Answer{Absent: true})
		}
	}
	return f, nil
}

// take tries to satisfy a wait from the record: queued messages for
// channel futures, the cache for service calls, the deadline for
// fetchTimeout when expire is set. Consumed inputs are removed from the
// record. current is the id of the message the running command queued, if
// any; an invalid choice in that message fails the command, while invalid
// choices left over in the queue are discarded.
func (r *Record) take(f *Future, now int64, expire bool, current string) (Answer, bool, error) {
	switch f.Kind {
	case FutureCall:
		entry, ok := r.Cache[f.Call]
		if !ok {
			return Answer{}, false, nil
		}
		delete(r.Cache, f.Call)
		if entry.Error != "" {
			return Answer{Value: value.Obj(value.P("error", value.String(entry.Error)))}, true, nil
		}
		return Answer{Value: value.Obj(value.P("result", value.Clone(entry.Result)))}, true, nil

	case FutureFetchMany:
		var taken value.Array
		kept := r.Messages[:0:0]
		for _, m := range r.Messages {
			if f.accepts(m) {
				taken = append(taken, m.Payload)
				continue
			}
			kept = append(kept, m)
		}
		if len(taken) == 0 {
			return Answer{}, false, nil
		}
		r.Messages = kept
		return Answer{Value: taken}, true, nil
	}

	for i := 0; i < len(r.Messages); i++ {
		m := r.Messages[i]
		if !f.accepts(m) {
			continue
		}
		r.Messages = append(r.Messages[:i:i], r.Messages[i+1:]...)
		switch f.Kind {
		case FutureChoose, FutureDecide:
			picked, err := pick(f, m.Payload)
			if err != nil {
				if m.ID == current {
					return Answer{}, false, err
				}
				i--
				continue
			}
			return Answer{Value: picked}, true, nil
		default:
			return Answer{Value: m.Payload}, true, nil
		}
	}

	if f.Kind == FutureFetchTimeout && expire && now >= f.Deadline {
		return Answer{Absent: true}, true, nil
	}
	return Answer{}, false, nil
}

// pick validates a choice payload: an array of distinct option indices,
// at least one and at most the limit. Choose resolves to the chosen
// options, decide to the single chosen option.
func pick(f *Future, payload value.Value) (value.Value, error) {
	indices, ok := payload.(value.Array)
	if !ok {
		return nil, fault.New(fault.InvalidChoice, "choice on %s must be an array of option indices", f.Channel)
	}
	if len(indices) == 0 || int64(len(indices)) > f.Limit {
		return nil, fault.New(fault.InvalidChoice, "choice on %s must pick between 1 and %d options, got %d", f.Channel, f.Limit, len(indices))
	}
	seen := make(map[int64]bool, len(indices))
	chosen := make(value.Array, 0, len(indices))
	for _, raw := range indices {
		n, ok := raw.(value.Int)
		idx := int64(n)
		if !ok || idx < 0 || idx >= int64(len(f.Options)) {
			return nil, fault.New(fault.InvalidChoice, "choice on %s: %s is not an option index", f.Channel, value.MustEncode(raw))
		}
		if seen[idx] {
			return nil, fault.New(fault.InvalidChoice, "choice on %s: option %d chosen twice", f.Channel, idx)
		}
		seen[idx] = true
		chosen = append(chosen, value.Clone(f.Options[idx]))
	}
	if f.Kind == FutureDecide {
		return chosen[0], nil
	}
	return chosen, nil
}
