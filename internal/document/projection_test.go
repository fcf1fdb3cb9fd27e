package document

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/livedoc/internal/schema"
	"github.com/roach88/livedoc/internal/value"
)

func boardDoc() *schema.Document {
	return &schema.Document{
		Name: "board",
		Fields: []schema.Field{
			{Name: "owner", Kind: schema.KindString},
			{Name: "secret", Kind: schema.KindInt, Privacy: "who.agent == doc.owner"},
			{Name: "hidden", Kind: schema.KindBool, Privacy: "private"},
			{Name: "meta", Kind: schema.KindObject, Fields: []schema.Field{
				{Name: "title", Kind: schema.KindString},
				{Name: "draft", Kind: schema.KindString, Privacy: `view.mode == "edit"`},
			}},
			{Name: "cards", Kind: schema.KindTable, RowPrivacy: "row.owner == who.agent", Fields: []schema.Field{
				{Name: "id", Kind: schema.KindInt},
				{Name: "owner", Kind: schema.KindString},
			}},
		},
	}
}

func boardRecord() *Record {
	rec := NewRecord(boardDoc())
	rec.Fields = value.Object{
		"owner":  value.String("alice"),
		"secret": value.Int(7),
		"hidden": value.Bool(true),
		"meta":   value.Object{"title": value.String("t"), "draft": value.String("d")},
		"cards": value.Array{
			value.Object{"id": value.Int(1), "owner": value.String("alice")},
			value.Object{"id": value.Int(2), "owner": value.String("bob")},
		},
	}
	return rec
}

func TestProjector_Privacy(t *testing.T) {
	m := NewMachine(boardDoc(), &Definition{}, nil)
	rec := boardRecord()

	owner := m.ProjectFor("b", rec, alice, value.Object{})
	assert.Equal(t, value.Object{
		"owner":  value.String("alice"),
		"secret": value.Int(7),
		"meta":   value.Object{"title": value.String("t")},
		"cards":  value.Array{value.Object{"id": value.Int(1), "owner": value.String("alice")}},
	}, owner)

	guest := m.ProjectFor("b", rec, bob, value.Object{"mode": value.String("edit")})
	assert.NotContains(t, guest, "secret")
	assert.NotContains(t, guest, "hidden")
	assert.Equal(t, value.Object{"title": value.String("t"), "draft": value.String("d")}, guest["meta"])
	assert.Equal(t, value.Array{value.Object{"id": value.Int(2), "owner": value.String("bob")}}, guest["cards"])
}

func TestProjector_DiffIsIncremental(t *testing.T) {
	m := NewMachine(boardDoc(), &Definition{}, nil)
	rec := boardRecord()
	before := m.ProjectFor("b", rec, bob, value.Object{})

	rec.Fields["secret"] = value.Int(8)
	after := m.ProjectFor("b", rec, bob, value.Object{})
	assert.Empty(t, value.Diff(before, after), "bob cannot see the secret, so nothing changed for him")

	rec.Fields["owner"] = value.String("bob")
	after = m.ProjectFor("b", rec, bob, value.Object{})
	assert.Equal(t, value.Object{"owner": value.String("bob"), "secret": value.Int(8)}, value.Diff(before, after))
}

type countingVisitor struct{ scalars, objects, lists, tables int }

func (c *countingVisitor) Scalar(f schema.Field, v value.Value) (value.Value, bool) {
	c.scalars++
	return v, true
}

func (c *countingVisitor) Object(f schema.Field, v value.Object) (value.Value, bool) {
	c.objects++
	return v, true
}

func (c *countingVisitor) List(f schema.Field, v value.Array) (value.Value, bool) {
	c.lists++
	return v, true
}

func (c *countingVisitor) Table(f schema.Field, rows value.Array) (value.Value, bool) {
	c.tables++
	return rows, true
}

func TestWalk_DispatchesOnKind(t *testing.T) {
	vis := &countingVisitor{}
	rec := boardRecord()
	for _, f := range boardDoc().Fields {
		Walk(f, rec.Fields[f.Name], vis)
	}
	Walk(schema.Field{Name: "l", Kind: schema.KindList}, value.Array{}, vis)
	assert.Equal(t, countingVisitor{scalars: 3, objects: 1, lists: 1, tables: 1}, *vis)
}
