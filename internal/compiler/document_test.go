package compiler

import (
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedoc/internal/schema"
	"github.com/roach88/livedoc/internal/value"
)

const boardSource = `
documents: board: {
	maximum_history: 10
	fields: {
		count:  int | *5
		owner:  string
		secret: int
		open:   bool | *true
		tags:   [...string]
		meta: {
			title: string | *"untitled"
		}
		cards: [...{
			id:    int
			owner: string
		}]
	}
	privacy: {
		secret: "who.agent == doc.owner"
	}
	row_privacy: {
		cards: "row.owner == who.agent"
	}
	channels: {
		add:    "message"
		answer: "future"
	}
	cron: {
		nightly: "daily 03:00"
	}
	view_state: ["page"]
	policy: {
		create: "who.agent != \"\""
	}
	script: "function construct(arg) {}"
}
`

func compileBoard(t *testing.T) *schema.Document {
	t.Helper()
	v := cuecontext.New().CompileString(boardSource)
	require.NoError(t, v.Err())
	doc, err := CompileDocument(v.LookupPath(cue.ParsePath("documents.board")))
	require.NoError(t, err)
	return doc
}

func TestCompileDocument_Basic(t *testing.T) {
	doc := compileBoard(t)

	assert.Equal(t, "board", doc.Name)
	assert.Equal(t, 10, doc.MaximumHistory)
	assert.Equal(t, "function construct(arg) {}", doc.Script)
	assert.Equal(t, []string{"page"}, doc.ViewState)
	assert.Equal(t, `who.agent != ""`, doc.Policy.Create)
	assert.Equal(t, map[string]schema.ChannelKind{"add": schema.ChannelMessage, "answer": schema.ChannelFuture}, doc.Channels)
	assert.Equal(t, map[string]string{"nightly": "daily 03:00"}, doc.Cron)

	names := make([]string, 0, len(doc.Fields))
	for _, f := range doc.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"cards", "count", "meta", "open", "owner", "secret", "tags"}, names)
}

func TestCompileDocument_Kinds(t *testing.T) {
	doc := compileBoard(t)

	cases := map[string]schema.Kind{
		"count": schema.KindInt,
		"owner": schema.KindString,
		"open":  schema.KindBool,
		"tags":  schema.KindList,
		"meta":  schema.KindObject,
		"cards": schema.KindTable,
	}
	for name, kind := range cases {
		f, ok := doc.Field(name)
		require.True(t, ok, name)
		assert.Equal(t, kind, f.Kind, name)
	}

	tags, _ := doc.Field("tags")
	assert.Equal(t, schema.KindString, tags.Elem)

	cards, _ := doc.Field("cards")
	assert.Equal(t, "row.owner == who.agent", cards.RowPrivacy)
	assert.Len(t, cards.Fields, 2)

	secret, _ := doc.Field("secret")
	assert.Equal(t, "who.agent == doc.owner", secret.Privacy)
}

func TestCompileDocument_Defaults(t *testing.T) {
	doc := compileBoard(t)
	defaults := doc.Defaults()

	assert.Equal(t, value.Int(5), defaults["count"])
	assert.Equal(t, value.Bool(true), defaults["open"])
	assert.Equal(t, value.String(""), defaults["owner"])
	assert.Equal(t, value.Object{"title": value.String("untitled")}, defaults["meta"])
	assert.Equal(t, value.Array{}, defaults["cards"])
	require.NoError(t, doc.Check(defaults))
}

func TestCompileDocument_RejectsFloat(t *testing.T) {
	v := cuecontext.New().CompileString(`documents: bad: fields: { ratio: float }`)
	require.NoError(t, v.Err())
	_, err := CompileDocument(v.LookupPath(cue.ParsePath("documents.bad")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "float")
}

func TestCompileDocument_TableNeedsID(t *testing.T) {
	v := cuecontext.New().CompileString(`documents: bad: fields: { rows: [...{ name: string }] }`)
	require.NoError(t, v.Err())
	_, err := CompileDocument(v.LookupPath(cue.ParsePath("documents.bad")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id: int")
}

func TestCompileDocument_PrivacyUnknownField(t *testing.T) {
	v := cuecontext.New().CompileString(`documents: bad: { fields: { x: int }, privacy: { y: "private" } }`)
	require.NoError(t, v.Err())
	_, err := CompileDocument(v.LookupPath(cue.ParsePath("documents.bad")))
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "privacy.y", ce.Field)
}

func TestCompileDocument_DefaultHistory(t *testing.T) {
	docs, err := CompileString(`documents: plain: fields: { x: int }`)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, DefaultMaximumHistory, docs[0].MaximumHistory)
}

func TestCompileAll_SortedByName(t *testing.T) {
	docs, err := CompileString(`
		documents: zeta: fields: { x: int }
		documents: alpha: fields: { y: string }
	`)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "alpha", docs[0].Name)
	assert.Equal(t, "zeta", docs[1].Name)
}

func TestCompileAll_MissingDocuments(t *testing.T) {
	_, err := CompileString(`other: 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no documents declared")
}

func TestCompileDocument_HashDeterministic(t *testing.T) {
	assert.Equal(t, compileBoard(t).Hash(), compileBoard(t).Hash())
}
