// Package schema holds compiled document types: the field layout, privacy
// rules, channels, cron schedules and policies a document is built from.
//
// A *Document is produced by the compiler (from CUE) or written by hand in
// Go for native behaviors. It is immutable once handed to the engine.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/livedoc/internal/value"
)

// Kind is the type of a document field. There is no float kind.
type Kind string

const (
	KindInt    Kind = "int"
	KindString Kind = "string"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
	KindList   Kind = "list"
	KindTable  Kind = "table"
)

// ChannelKind says how messages sent to a channel are consumed.
type ChannelKind string

const (
	// ChannelMessage channels run the document's handler for each message.
	ChannelMessage ChannelKind = "message"

	// ChannelFuture channels queue messages for fetch/choose/decide.
	ChannelFuture ChannelKind = "future"
)

// Privacy literals. Any other non-empty string is a policy expression.
const (
	Public  = "public"
	Private = "private"
)

// RowID is the member every table row carries.
const RowID = "id"

// Reserved command names that channels may not use.
var Reserved = []string{
	"construct", "invalidate", "connect", "disconnect",
	"web_get", "web_put", "deliver", "restore", "deploy",
}

// Field describes one reactive field.
type Field struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// Elem is the element kind of a list (scalars only).
	Elem Kind `json:"elem,omitempty"`

	// Fields are the members of an object, or of each row of a table.
	Fields []Field `json:"fields,omitempty"`

	// Default is the initial value. Nil means the zero value of Kind.
	Default value.Value `json:"default,omitempty"`

	// Privacy decides who sees the field: "public" (the default),
	// "private", or an expression over who/doc/view.
	Privacy string `json:"privacy,omitempty"`

	// RowPrivacy filters table rows; an expression over who/doc/view/row.
	RowPrivacy string `json:"row_privacy,omitempty"`
}

// Policy holds document-level admission rules as expressions.
// Empty Create/Connect mean "allow"; empty Invent means "deny".
type Policy struct {
	Create  string `json:"create,omitempty"`
	Invent  string `json:"invent,omitempty"`
	Connect string `json:"connect,omitempty"`
}

// Document is a compiled document type.
type Document struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`

	// MaximumHistory bounds the reverse deltas retained in storage.
	// Zero keeps no undo history at all.
	MaximumHistory int `json:"maximum_history"`

	Channels  map[string]ChannelKind `json:"channels,omitempty"`
	Cron      map[string]string      `json:"cron,omitempty"`
	ViewState []string               `json:"view_state,omitempty"`
	Policy    Policy                 `json:"policy"`

	// Script is the JavaScript behavior source, if the type is scripted.
	Script string `json:"script,omitempty"`
}

// Field looks up a top-level field by name.
func (d *Document) Field(name string) (*Field, bool) {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i], true
		}
	}
	return nil, false
}

// Channel returns the kind of a declared channel. Cron task names are
// implicitly message channels.
func (d *Document) Channel(name string) (ChannelKind, bool) {
	if k, ok := d.Channels[name]; ok {
		return k, true
	}
	if _, ok := d.Cron[name]; ok {
		return ChannelMessage, true
	}
	return "", false
}

// CronNames returns cron task names in sorted order.
func (d *Document) CronNames() []string {
	names := make([]string, 0, len(d.Cron))
	for n := range d.Cron {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Defaults materializes the initial value of every field.
func (d *Document) Defaults() value.Object {
	obj := make(value.Object, len(d.Fields))
	for _, f := range d.Fields {
		obj[f.Name] = f.DefaultValue()
	}
	return obj
}

// DefaultValue returns the field's declared default or the zero value of
// its kind.
func (f Field) DefaultValue() value.Value {
	if f.Default != nil {
		return value.Clone(f.Default)
	}
	switch f.Kind {
	case KindInt:
		return value.Int(0)
	case KindString:
		return value.String("")
	case KindBool:
		return value.Bool(false)
	case KindObject:
		obj := make(value.Object, len(f.Fields))
		for _, sub := range f.Fields {
			obj[sub.Name] = sub.DefaultValue()
		}
		return obj
	default:
		return value.Array{}
	}
}

// Hash identifies the document type's content. Two compilations of the
// same source hash identically.
func (d *Document) Hash() string {
	desc := value.Object{
		"name":            value.String(d.Name),
		"maximum_history": value.Int(d.MaximumHistory),
		"script":          value.String(d.Script),
		"fields":          describeFields(d.Fields),
	}
	return value.MustHash(value.DomainDocumentType, desc)
}

func describeFields(fields []Field) value.Array {
	out := make(value.Array, 0, len(fields))
	for _, f := range fields {
		out = append(out, value.Object{
			"name":    value.String(f.Name),
			"kind":    value.String(string(f.Kind)),
			"elem":    value.String(string(f.Elem)),
			"privacy": value.String(f.Privacy),
			"fields":  describeFields(f.Fields),
		})
	}
	return out
}

// Check verifies that fields holds exactly the declared fields with values
// of the declared kinds. Behaviors cannot invent or retype fields.
func (d *Document) Check(fields value.Object) error {
	for _, f := range d.Fields {
		v, ok := fields[f.Name]
		if !ok {
			return fmt.Errorf("field %q is missing", f.Name)
		}
		if err := f.check(v, f.Name); err != nil {
			return err
		}
	}
	for name := range fields {
		if _, ok := d.Field(name); !ok {
			return fmt.Errorf("field %q is not declared", name)
		}
	}
	return nil
}

// Check verifies that v has the field's kind.
func (f Field) Check(v value.Value) error {
	return f.check(v, f.Name)
}

func (f Field) check(v value.Value, path string) error {
	switch f.Kind {
	case KindInt, KindString, KindBool:
		return checkScalar(f.Kind, v, path)
	case KindList:
		arr, ok := v.(value.Array)
		if !ok {
			return fmt.Errorf("%s: expected list, got %T", path, v)
		}
		for i, elem := range arr {
			if err := checkScalar(f.Elem, elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case KindObject:
		obj, ok := v.(value.Object)
		if !ok {
			return fmt.Errorf("%s: expected object, got %T", path, v)
		}
		return checkMembers(f.Fields, obj, path)
	case KindTable:
		arr, ok := v.(value.Array)
		if !ok {
			return fmt.Errorf("%s: expected table, got %T", path, v)
		}
		seen := make(map[int64]bool, len(arr))
		for i, elem := range arr {
			row, ok := elem.(value.Object)
			rowPath := fmt.Sprintf("%s[%d]", path, i)
			if !ok {
				return fmt.Errorf("%s: expected row object, got %T", rowPath, elem)
			}
			if err := checkMembers(f.Fields, row, rowPath); err != nil {
				return err
			}
			id := row.Int(RowID)
			if seen[id] {
				return fmt.Errorf("%s: duplicate row id %d", rowPath, id)
			}
			seen[id] = true
		}
		return nil
	default:
		return fmt.Errorf("%s: unknown kind %q", path, f.Kind)
	}
}

func checkMembers(members []Field, obj value.Object, path string) error {
	for _, m := range members {
		v, ok := obj[m.Name]
		if !ok {
			return fmt.Errorf("%s.%s is missing", path, m.Name)
		}
		if err := m.check(v, path+"."+m.Name); err != nil {
			return err
		}
	}
	if len(obj) != len(members) {
		for name := range obj {
			if !hasMember(members, name) {
				return fmt.Errorf("%s.%s is not declared", path, name)
			}
		}
	}
	return nil
}

func hasMember(members []Field, name string) bool {
	for _, m := range members {
		if m.Name == name {
			return true
		}
	}
	return false
}

func checkScalar(k Kind, v value.Value, path string) error {
	ok := false
	switch k {
	case KindInt:
		_, ok = v.(value.Int)
	case KindString:
		_, ok = v.(value.String)
	case KindBool:
		_, ok = v.(value.Bool)
	}
	if !ok {
		return fmt.Errorf("%s: expected %s, got %T", path, k, v)
	}
	return nil
}

// Compatible lists the fields of old whose kind changed in next. Fields
// that are added or removed are compatible: additions take defaults and
// removals are dropped.
func Compatible(old, next *Document) []string {
	var bad []string
	for _, of := range old.Fields {
		nf, ok := next.Field(of.Name)
		if !ok {
			continue
		}
		if !sameShape(of, *nf) {
			bad = append(bad, of.Name)
		}
	}
	return bad
}

func sameShape(a, b Field) bool {
	if a.Kind != b.Kind || a.Elem != b.Elem {
		return false
	}
	if a.Kind != KindObject && a.Kind != KindTable {
		return true
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for _, af := range a.Fields {
		bf, ok := findField(b.Fields, af.Name)
		if !ok || !sameShape(af, bf) {
			return false
		}
	}
	return true
}

func findField(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// IsReserved reports whether name is a reserved command or record key.
func IsReserved(name string) bool {
	if strings.HasPrefix(name, "__") {
		return true
	}
	for _, r := range Reserved {
		if r == name {
			return true
		}
	}
	return false
}
