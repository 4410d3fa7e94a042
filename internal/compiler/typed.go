package compiler

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/d5/tengo/v2/parser"
	"github.com/d5/tengo/v2/token"

	"github.com/nfrund/scriptd/internal/script"
)

// Kinds accepted in annotations and declarations.
var kinds = map[string]bool{
	"int": true, "float": true, "string": true, "bool": true,
	"map": true, "array": true, "func": true, "any": true,
}

var (
	annotationPattern  = regexp.MustCompile(`^(\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:\s*([A-Za-z_]+)\s*):=`)
	declarationPattern = regexp.MustCompile(`^declare\s+([A-Za-z_][A-Za-z0-9_]*)\s*:\s*([A-Za-z_]+)\s*$`)
)

type annotation struct {
	name   string
	kind   string
	line   int
	column int
}

// stripAnnotations removes `: kind` from annotated declarations, replacing
// it with spaces so lines and columns stay where the author put them.
func stripAnnotations(src string) (string, map[string]annotation, []script.Diagnostic) {
	lines := strings.Split(src, "\n")
	anns := make(map[string]annotation)
	var diags []script.Diagnostic
	for i, line := range lines {
		m := annotationPattern.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		name := line[m[4]:m[5]]
		kind := line[m[8]:m[9]]
		if !kinds[kind] {
			diags = append(diags, script.Diagnostic{
				Line: i + 1, Column: m[8] + 1, Severity: script.SeverityError,
				Message: fmt.Sprintf("unknown type %q", kind),
			})
			continue
		}
		anns[name] = annotation{name: name, kind: kind, line: i + 1, column: m[4] + 1}
		lines[i] = line[:m[6]] + strings.Repeat(" ", m[7]-m[6]) + line[m[7]:]
	}
	return strings.Join(lines, "\n"), anns, diags
}

// parseAmbient reads `declare name: kind` lines.
func parseAmbient(files map[string]string) map[string]string {
	out := make(map[string]string)
	for _, text := range files {
		sc := bufio.NewScanner(strings.NewReader(text))
		for sc.Scan() {
			if m := declarationPattern.FindStringSubmatch(strings.TrimSpace(sc.Text())); m != nil {
				out[m[1]] = m[2]
			}
		}
	}
	return out
}

// literalKind returns the kind of a literal expression, or "" when the
// expression is not a literal.
func literalKind(e parser.Expr) string {
	switch e := e.(type) {
	case *parser.IntLit:
		return "int"
	case *parser.FloatLit:
		return "float"
	case *parser.StringLit:
		return "string"
	case *parser.BoolLit:
		return "bool"
	case *parser.MapLit:
		return "map"
	case *parser.ArrayLit:
		return "array"
	case *parser.FuncLit:
		return "func"
	case *parser.ParenExpr:
		return literalKind(e.Expr)
	case *parser.UnaryExpr:
		if e.Token == token.Sub || e.Token == token.Add {
			return literalKind(e.Expr)
		}
		if e.Token == token.Not {
			return "bool"
		}
	}
	return ""
}

func assignable(want, got string) bool {
	switch {
	case got == "", want == "any", want == got:
		return true
	case want == "float" && got == "int":
		return true
	}
	return false
}

// checker walks a parsed file and reports kind mismatches.
type checker struct {
	fileSet *parser.SourceFileSet
	local   map[string]annotation
	ambient map[string]string
	diags   []script.Diagnostic
}

func (c *checker) errorAt(pos parser.Pos, format string, args ...any) {
	p := c.fileSet.Position(pos)
	c.diags = append(c.diags, script.Diagnostic{
		Line: p.Line, Column: p.Column, Severity: script.SeverityError,
		Message: fmt.Sprintf(format, args...),
	})
}

func (c *checker) declared(name string) (string, bool) {
	if a, ok := c.local[name]; ok {
		return a.kind, true
	}
	k, ok := c.ambient[name]
	return k, ok
}

func (c *checker) assign(s *parser.AssignStmt) {
	if len(s.LHS) != 1 || len(s.RHS) != 1 {
		return
	}
	ident, ok := s.LHS[0].(*parser.Ident)
	if !ok {
		return
	}
	got := literalKind(s.RHS[0])

	switch s.Token {
	case token.Define:
		a, ok := c.local[ident.Name]
		if !ok || c.fileSet.Position(ident.Pos()).Line != a.line {
			return
		}
		if !assignable(a.kind, got) {
			c.errorAt(s.RHS[0].Pos(), "cannot use %s literal as %s value in declaration of %q", got, a.kind, ident.Name)
		}
	case token.Assign:
		want, ok := c.declared(ident.Name)
		if ok && !assignable(want, got) {
			c.errorAt(s.RHS[0].Pos(), "cannot assign %s literal to %q of type %s", got, ident.Name, want)
		}
	}
}

// renderDeclarations renders the top-level definitions of file as a fragment.
// Annotated names keep their annotation, others get the kind of their
// initial literal or any.
func renderDeclarations(file *parser.File, anns map[string]annotation) string {
	var b strings.Builder
	seen := make(map[string]bool)
	for _, stmt := range file.Stmts {
		s, ok := stmt.(*parser.AssignStmt)
		if !ok || s.Token != token.Define {
			continue
		}
		for i, lhs := range s.LHS {
			ident, ok := lhs.(*parser.Ident)
			if !ok || seen[ident.Name] {
				continue
			}
			seen[ident.Name] = true
			kind := "any"
			if a, ok := anns[ident.Name]; ok {
				kind = a.kind
			} else if i < len(s.RHS) {
				if k := literalKind(s.RHS[i]); k != "" {
					kind = k
				}
			}
			fmt.Fprintf(&b, "declare %s: %s\n", ident.Name, kind)
		}
	}
	return b.String()
}

// walk calls fn for every assignment in stmts, descending into blocks and
// function literals.
func walk(stmts []parser.Stmt, fn func(*parser.AssignStmt)) {
	for _, s := range stmts {
		walkStmt(s, fn)
	}
}

func walkStmt(s parser.Stmt, fn func(*parser.AssignStmt)) {
	switch s := s.(type) {
	case *parser.AssignStmt:
		fn(s)
		for _, e := range s.RHS {
			walkExpr(e, fn)
		}
	case *parser.BlockStmt:
		if s != nil {
			walk(s.Stmts, fn)
		}
	case *parser.IfStmt:
		if s.Init != nil {
			walkStmt(s.Init, fn)
		}
		walkExpr(s.Cond, fn)
		walkStmt(s.Body, fn)
		if s.Else != nil {
			walkStmt(s.Else, fn)
		}
	case *parser.ForStmt:
		if s.Init != nil {
			walkStmt(s.Init, fn)
		}
		if s.Post != nil {
			walkStmt(s.Post, fn)
		}
		walkStmt(s.Body, fn)
	case *parser.ForInStmt:
		walkExpr(s.Iterable, fn)
		walkStmt(s.Body, fn)
	case *parser.ExprStmt:
		walkExpr(s.Expr, fn)
	case *parser.ReturnStmt:
		if s.Result != nil {
			walkExpr(s.Result, fn)
		}
	}
}

func walkExpr(e parser.Expr, fn func(*parser.AssignStmt)) {
	switch e := e.(type) {
	case *parser.FuncLit:
		walkStmt(e.Body, fn)
	case *parser.CallExpr:
		walkExpr(e.Func, fn)
		for _, a := range e.Args {
			walkExpr(a, fn)
		}
	case *parser.ArrayLit:
		for _, el := range e.Elements {
			walkExpr(el, fn)
		}
	case *parser.MapLit:
		for _, el := range e.Elements {
			walkExpr(el.Value, fn)
		}
	case *parser.ParenExpr:
		walkExpr(e.Expr, fn)
	case *parser.BinaryExpr:
		walkExpr(e.LHS, fn)
		walkExpr(e.RHS, fn)
	}
}

// parseOwn parses a script's own text, without the prelude.
func parseOwn(filename, src string) (*parser.File, *parser.SourceFileSet, error) {
	fileSet := parser.NewFileSet()
	srcFile := fileSet.AddFile(filename, -1, len(src))
	file, err := parser.NewParser(srcFile, []byte(src), nil).ParseFile()
	return file, fileSet, err
}

// checkTyped strips annotations from a typed-dialect script, checks kinds
// against its own annotations and the ambient declarations, and produces
// the declaration fragment.
func checkTyped(filename, src string, ambient map[string]string) (native, fragment string, diags []script.Diagnostic) {
	native, anns, diags := stripAnnotations(src)
	for name, a := range anns {
		if k, ok := ambient[name]; ok && k != a.kind {
			diags = append(diags, script.Diagnostic{
				Line: a.line, Column: a.column, Severity: script.SeverityWarning,
				Message: fmt.Sprintf("%q shadows a global declared as %s", name, k),
			})
		}
	}

	file, fileSet, err := parseOwn(filename, native)
	if err != nil {
		return native, "", append(diags, parseDiagnostics(err, nil)...)
	}

	c := &checker{fileSet: fileSet, local: anns, ambient: ambient}
	walk(file.Stmts, c.assign)
	diags = append(diags, c.diags...)
	return native, renderDeclarations(file, anns), diags
}

// nativeDeclarations is the declarations-only pass over native source.
func nativeDeclarations(filename, src string) string {
	file, _, err := parseOwn(filename, src)
	if err != nil {
		// the full compile reports the syntax error
		return ""
	}
	return renderDeclarations(file, nil)
}
