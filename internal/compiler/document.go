package compiler

import (
	"fmt"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/livedoc/internal/schema"
	"github.com/roach88/livedoc/internal/value"
)

// DefaultMaximumHistory applies when a document omits maximum_history.
const DefaultMaximumHistory = 100

// CompileDocument parses a CUE value into a schema.Document.
// Uses the CUE Go API directly (not a CLI subprocess).
//
// The value should be the document struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`documents: counter: { fields: { x: int | *0 } }`)
//	doc, err := CompileDocument(v.LookupPath(cue.ParsePath("documents.counter")))
//
// Field kinds come from the CUE type: int, string, bool, struct (object),
// a list of scalars (list) or a list of structs with an `id: int` member
// (table). Defaults use CUE's own default marker: `x: int | *0`.
func CompileDocument(v cue.Value) (*schema.Document, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	doc := &schema.Document{MaximumHistory: DefaultMaximumHistory}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		doc.Name = labels[len(labels)-1].Unquoted()
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if fieldsVal.Exists() {
		fields, err := parseMembers(fieldsVal, "fields")
		if err != nil {
			return nil, err
		}
		doc.Fields = fields
	}

	if err := applyPrivacy(v, doc); err != nil {
		return nil, err
	}

	if hv := v.LookupPath(cue.ParsePath("maximum_history")); hv.Exists() {
		n, err := hv.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if n < 0 {
			return nil, &CompileError{Field: "maximum_history", Message: "must be >= 0", Pos: hv.Pos()}
		}
		doc.MaximumHistory = int(n)
	}

	channels, err := stringMap(v, "channels")
	if err != nil {
		return nil, err
	}
	if len(channels) > 0 {
		doc.Channels = make(map[string]schema.ChannelKind, len(channels))
		for name, kind := range channels {
			doc.Channels[name] = schema.ChannelKind(kind)
		}
	}

	if doc.Cron, err = stringMap(v, "cron"); err != nil {
		return nil, err
	}

	if vs := v.LookupPath(cue.ParsePath("view_state")); vs.Exists() {
		if doc.ViewState, err = stringList(vs); err != nil {
			return nil, err
		}
	}

	policyMap, err := stringMap(v, "policy")
	if err != nil {
		return nil, err
	}
	doc.Policy = schema.Policy{
		Create:  policyMap["create"],
		Invent:  policyMap["invent"],
		Connect: policyMap["connect"],
	}

	if sv := v.LookupPath(cue.ParsePath("script")); sv.Exists() {
		if doc.Script, err = sv.String(); err != nil {
			return nil, formatCUEError(err)
		}
	}

	return doc, nil
}

// CompileAll compiles every document under the top-level `documents` key,
// sorted by name.
func CompileAll(root cue.Value) ([]*schema.Document, error) {
	docsVal := root.LookupPath(cue.ParsePath("documents"))
	if !docsVal.Exists() {
		return nil, &CompileError{Field: "documents", Message: "no documents declared", Pos: root.Pos()}
	}
	iter, err := docsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var docs []*schema.Document
	for iter.Next() {
		doc, err := CompileDocument(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("documents.%s: %w", iter.Selector().Unquoted(), err)
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

// parseMembers compiles the members of a struct into fields, sorted by
// name so compilation is independent of declaration order.
func parseMembers(v cue.Value, path string) ([]schema.Field, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var fields []schema.Field
	for iter.Next() {
		name := iter.Selector().Unquoted()
		f, err := parseField(name, iter.Value(), path+"."+name)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields, nil
}

func parseField(name string, v cue.Value, path string) (schema.Field, error) {
	f := schema.Field{Name: name}
	kind := v.IncompleteKind()

	switch kind {
	case cue.IntKind, cue.StringKind, cue.BoolKind:
		f.Kind = scalarKind(kind)
		def, err := scalarDefault(v)
		if err != nil {
			return f, err
		}
		f.Default = def
		return f, nil

	case cue.StructKind:
		f.Kind = schema.KindObject
		members, err := parseMembers(v, path)
		if err != nil {
			return f, err
		}
		f.Fields = members
		return f, nil

	case cue.ListKind:
		elem := v.LookupPath(cue.MakePath(cue.AnyIndex))
		if !elem.Exists() {
			return f, &CompileError{Field: path, Message: "list must declare an element type, e.g. [...string]", Pos: v.Pos()}
		}
		if elem.IncompleteKind() == cue.StructKind {
			f.Kind = schema.KindTable
			members, err := parseMembers(elem, path+"[]")
			if err != nil {
				return f, err
			}
			id, ok := findMember(members, schema.RowID)
			if !ok || id.Kind != schema.KindInt {
				return f, &CompileError{Field: path, Message: "table rows require an `id: int` member", Pos: elem.Pos()}
			}
			f.Fields = members
			return f, nil
		}
		ek := elem.IncompleteKind()
		if ek != cue.IntKind && ek != cue.StringKind && ek != cue.BoolKind {
			return f, typeError(path, ek, elem.Pos())
		}
		f.Kind = schema.KindList
		f.Elem = scalarKind(ek)
		def, err := listDefault(v)
		if err != nil {
			return f, err
		}
		f.Default = def
		return f, nil

	default:
		return f, typeError(path, kind, v.Pos())
	}
}

func typeError(path string, kind cue.Kind, pos token.Pos) *CompileError {
	if kind == cue.FloatKind || kind == cue.NumberKind {
		return &CompileError{Field: path, Message: "float types are forbidden - use int instead", Pos: pos}
	}
	return &CompileError{Field: path, Message: fmt.Sprintf("unsupported type kind: %v", kind), Pos: pos}
}

func scalarKind(k cue.Kind) schema.Kind {
	switch k {
	case cue.IntKind:
		return schema.KindInt
	case cue.StringKind:
		return schema.KindString
	default:
		return schema.KindBool
	}
}

// scalarDefault returns the concrete default (`int | *3`) or concrete value
// (`3`) of a scalar field, or nil when the field is only a type.
func scalarDefault(v cue.Value) (value.Value, error) {
	d, _ := v.Default()
	if !d.IsConcrete() {
		return nil, nil
	}
	switch d.Kind() {
	case cue.IntKind:
		n, err := d.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.Int(n), nil
	case cue.StringKind:
		s, err := d.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.String(s), nil
	case cue.BoolKind:
		b, err := d.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return value.Bool(b), nil
	default:
		return nil, nil
	}
}

func listDefault(v cue.Value) (value.Value, error) {
	d, _ := v.Default()
	if !d.IsConcrete() {
		return nil, nil
	}
	iter, err := d.List()
	if err != nil {
		return nil, nil
	}
	arr := value.Array{}
	for iter.Next() {
		elem, err := scalarDefault(iter.Value())
		if err != nil {
			return nil, err
		}
		if elem == nil {
			return nil, nil
		}
		arr = append(arr, elem)
	}
	return arr, nil
}

func findMember(fields []schema.Field, name string) (schema.Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return schema.Field{}, false
}

// applyPrivacy reads `privacy: {field: rule}` and `row_privacy: {table: rule}`.
func applyPrivacy(v cue.Value, doc *schema.Document) error {
	privacy, err := stringMap(v, "privacy")
	if err != nil {
		return err
	}
	for name, rule := range privacy {
		f, ok := doc.Field(name)
		if !ok {
			return &CompileError{Field: "privacy." + name, Message: "privacy declared for unknown field", Pos: v.LookupPath(cue.ParsePath("privacy")).Pos()}
		}
		f.Privacy = rule
	}

	rows, err := stringMap(v, "row_privacy")
	if err != nil {
		return err
	}
	for name, rule := range rows {
		f, ok := doc.Field(name)
		if !ok || f.Kind != schema.KindTable {
			return &CompileError{Field: "row_privacy." + name, Message: "row privacy requires a table field", Pos: v.LookupPath(cue.ParsePath("row_privacy")).Pos()}
		}
		f.RowPrivacy = rule
	}
	return nil
}

// stringMap reads an optional struct of string values.
func stringMap(v cue.Value, key string) (map[string]string, error) {
	sv := v.LookupPath(cue.ParsePath(key))
	if !sv.Exists() {
		return nil, nil
	}
	iter, err := sv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	out := make(map[string]string)
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, &CompileError{
				Field:   key + "." + iter.Selector().Unquoted(),
				Message: "must be a string",
				Pos:     iter.Value().Pos(),
			}
		}
		out[iter.Selector().Unquoted()] = s
	}
	return out, nil
}

func stringList(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
