// Package policy evaluates the boolean rules a document type declares:
// field privacy, table row privacy, and create/invent/connect admission.
//
// Rules are expr-lang expressions compiled once and evaluated natively in
// Go. The literals "public"/"true" and "private"/"false" short-circuit to
// constants without touching the expression VM.
package policy

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Env is the evaluation environment exposed to rule expressions.
//
//	who   the acting principal: {agent, authority}
//	doc   the document's reactive fields
//	view  the connection's view state
//	row   the table row being filtered (row privacy only)
//	key   the document key
//	arg   the create argument (create/invent only)
type Env struct {
	Who  map[string]any `expr:"who"`
	Doc  map[string]any `expr:"doc"`
	View map[string]any `expr:"view"`
	Row  map[string]any `expr:"row"`
	Key  string         `expr:"key"`
	Arg  any            `expr:"arg"`
}

// Predicate is a compiled rule.
type Predicate struct {
	source   string
	constant bool
	isConst  bool
	program  *vm.Program
}

var (
	allow = &Predicate{source: "true", constant: true, isConst: true}
	deny  = &Predicate{source: "false", constant: false, isConst: true}
)

// Compile compiles a rule. The empty string compiles to def, so each call
// site decides whether an absent rule allows or denies.
func Compile(source string, def bool) (*Predicate, error) {
	switch source {
	case "":
		if def {
			return allow, nil
		}
		return deny, nil
	case "public", "true":
		return allow, nil
	case "private", "false":
		return deny, nil
	}

	if program, ok := programs.Get(source); ok {
		return &Predicate{source: source, program: program}, nil
	}

	program, err := expr.Compile(source,
		expr.Env(Env{}),
		expr.AsBool(),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile rule %q: %w", source, err)
	}
	programs.Put(source, program)
	return &Predicate{source: source, program: program}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(source string, def bool) *Predicate {
	p, err := Compile(source, def)
	if err != nil {
		panic(err)
	}
	return p
}

// Source returns the rule text.
func (p *Predicate) Source() string {
	return p.source
}

// Constant reports whether the rule never depends on its environment, and
// if so its value.
func (p *Predicate) Constant() (value, ok bool) {
	return p.constant, p.isConst
}

// Eval runs the rule. Evaluation errors (a missing member compared with
// an int, say) are returned, never silently treated as true.
func (p *Predicate) Eval(env Env) (bool, error) {
	if p.isConst {
		return p.constant, nil
	}
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate rule %q: %w", p.source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("rule %q returned %T, want bool", p.source, out)
	}
	return b, nil
}

// Allows evaluates the rule and treats evaluation errors as a denial.
// Used for privacy, where an error must hide data rather than leak it.
func (p *Predicate) Allows(env Env) bool {
	ok, err := p.Eval(env)
	return err == nil && ok
}
