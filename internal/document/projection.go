package document

import (
	"github.com/roach88/livedoc/internal/policy"
	"github.com/roach88/livedoc/internal/schema"
	"github.com/roach88/livedoc/internal/value"
)

// KeyOutstanding is the projection member listing the futures the viewer
// is expected to answer.
const KeyOutstanding = "__futures"

// FieldVisitor is called once per field by Walk, dispatched on the field's
// kind. Returning false leaves the field out of the result.
type FieldVisitor interface {
	Scalar(f schema.Field, v value.Value) (value.Value, bool)
	Object(f schema.Field, v value.Object) (value.Value, bool)
	List(f schema.Field, v value.Array) (value.Value, bool)
	Table(f schema.Field, rows value.Array) (value.Value, bool)
}

// Walk dispatches v to the visitor method for f's kind.
func Walk(f schema.Field, v value.Value, vis FieldVisitor) (value.Value, bool) {
	switch f.Kind {
	case schema.KindObject:
		obj, _ := v.(value.Object)
		return vis.Object(f, obj)
	case schema.KindList:
		arr, _ := v.(value.Array)
		return vis.List(f, arr)
	case schema.KindTable:
		arr, _ := v.(value.Array)
		return vis.Table(f, arr)
	default:
		return vis.Scalar(f, v)
	}
}

// Projector builds the privacy-filtered view one principal sees.
type Projector struct {
	env policy.Env
}

var _ FieldVisitor = (*Projector)(nil)

// NewProjector creates a projector for who looking at fields through view.
func NewProjector(key string, who Principal, fields, view value.Object) *Projector {
	return &Projector{env: policy.Env{Who: who.Go(), Doc: goFields(fields), View: goFields(view), Key: key}}
}

func (p *Projector) visible(rule string, env policy.Env) bool {
	pred, err := policy.Compile(rule, true)
	if err != nil {
		return false
	}
	return pred.Allows(env)
}

func (p *Projector) Scalar(f schema.Field, v value.Value) (value.Value, bool) {
	if v == nil || !p.visible(f.Privacy, p.env) {
		return nil, false
	}
	return v, true
}

func (p *Projector) Object(f schema.Field, v value.Object) (value.Value, bool) {
	if v == nil || !p.visible(f.Privacy, p.env) {
		return nil, false
	}
	return p.members(f.Fields, v), true
}

func (p *Projector) List(f schema.Field, v value.Array) (value.Value, bool) {
	if v == nil || !p.visible(f.Privacy, p.env) {
		return nil, false
	}
	return value.Clone(v), true
}

func (p *Projector) Table(f schema.Field, rows value.Array) (value.Value, bool) {
	if rows == nil || !p.visible(f.Privacy, p.env) {
		return nil, false
	}
	out := value.Array{}
	for _, raw := range rows {
		row, ok := raw.(value.Object)
		if !ok {
			continue
		}
		env := p.env
		env.Row = goFields(row)
		if !p.visible(f.RowPrivacy, env) {
			continue
		}
		out = append(out, p.members(f.Fields, row))
	}
	return out, true
}

func (p *Projector) members(fields []schema.Field, obj value.Object) value.Object {
	out := value.Object{}
	for _, sub := range fields {
		if v, ok := Walk(sub, obj[sub.Name], p); ok {
			out[sub.Name] = v
		}
	}
	return out
}

// Project computes what the given connection sees: the fields its
// principal may read plus the futures waiting on that principal.
func (m *Machine) Project(key string, rec *Record, connection string) (value.Object, bool) {
	client, ok := rec.Clients[connection]
	if !ok {
		return nil, false
	}
	return m.ProjectFor(key, rec, client.Who, client.View), true
}

// ProjectFor computes the view of who through view state.
func (m *Machine) ProjectFor(key string, rec *Record, who Principal, view value.Object) value.Object {
	p := NewProjector(key, who, rec.Fields, view)
	out := p.members(m.Doc.Fields, rec.Fields)

	var outstanding value.Array
	for _, id := range rec.FutureIDs() {
		f := rec.Futures[id]
		if !f.awaits(who) {
			continue
		}
		entry := value.Obj(
			value.P("id", value.String(id)),
			value.P("channel", value.String(f.Channel)),
			value.P("kind", value.String(f.Kind)),
		)
		if f.Kind == FutureChoose || f.Kind == FutureDecide {
			entry["options"] = value.Clone(f.Options)
			entry["limit"] = value.Int(f.Limit)
		}
		if f.Kind == FutureFetchTimeout {
			entry["deadline"] = value.Int(f.Deadline)
		}
		outstanding = append(outstanding, entry)
	}
	if len(outstanding) > 0 {
		out[KeyOutstanding] = outstanding
	}
	return out
}
