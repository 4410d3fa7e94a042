package compiler

import (
	"errors"
	"fmt"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/parser"
	"github.com/d5/tengo/v2/token"
)

// ErrDivisionByZero is returned by the checked operators instead of letting
// the integer division panic inside the VM.
var ErrDivisionByZero = errors.New("division by zero")

// Names of the checked operator globals. Division and remainder in script
// text are compiled as calls to them, so a zero divisor becomes a VM error
// with a source position.
const (
	checkedQuo = "__quo"
	checkedRem = "__rem"
)

var checkedTokens = map[token.Token]string{
	token.Quo: checkedQuo,
	token.Rem: checkedRem,
}

var checkedAssign = map[token.Token]token.Token{
	token.QuoAssign: token.Quo,
	token.RemAssign: token.Rem,
}

// Intrinsics returns the objects backing the checked operator globals. The
// sandbox installs them at the indexes in CompiledUnit.Intrinsics.
func Intrinsics() map[string]tengo.Object {
	return map[string]tengo.Object{
		checkedQuo: &tengo.UserFunction{Name: checkedQuo, Value: checkedOp(token.Quo)},
		checkedRem: &tengo.UserFunction{Name: checkedRem, Value: checkedOp(token.Rem)},
	}
}

func checkedOp(op token.Token) tengo.CallableFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 2 {
			return nil, tengo.ErrWrongNumArguments
		}
		lhs, rhs := args[0], args[1]
		if integral(lhs) && integral(rhs) {
			if n, _ := tengo.ToInt64(rhs); n == 0 {
				return nil, ErrDivisionByZero
			}
		}
		res, err := lhs.BinaryOp(op, rhs)
		if errors.Is(err, tengo.ErrInvalidOperator) {
			return nil, fmt.Errorf("invalid operation: %s %s %s", lhs.TypeName(), op.String(), rhs.TypeName())
		}
		return res, err
	}
}

func integral(o tengo.Object) bool {
	switch o.(type) {
	case *tengo.Int, *tengo.Char:
		return true
	}
	return false
}

// checkDivision rewrites every division and remainder in file into a call
// of the matching checked operator. The call keeps the operator's position.
// Compound assignments are rewritten only for plain identifiers, where
// evaluating the target twice has no side effects.
func checkDivision(file *parser.File) {
	for _, s := range file.Stmts {
		checkStmt(s)
	}
}

func checkedCall(op token.Token, pos parser.Pos, lhs, rhs parser.Expr) parser.Expr {
	return &parser.CallExpr{
		Func:   &parser.Ident{Name: checkedTokens[op], NamePos: pos},
		LParen: pos,
		Args:   []parser.Expr{lhs, rhs},
		RParen: pos,
	}
}

func checkStmt(s parser.Stmt) {
	switch s := s.(type) {
	case *parser.AssignStmt:
		for i, e := range s.RHS {
			s.RHS[i] = checkExpr(e)
		}
		for i, e := range s.LHS {
			s.LHS[i] = checkExpr(e)
		}
		if op, ok := checkedAssign[s.Token]; ok && len(s.LHS) == 1 && len(s.RHS) == 1 {
			if ident, ok := s.LHS[0].(*parser.Ident); ok {
				target := &parser.Ident{Name: ident.Name, NamePos: ident.NamePos}
				s.RHS[0] = checkedCall(op, s.TokenPos, target, s.RHS[0])
				s.Token = token.Assign
			}
		}
	case *parser.BlockStmt:
		if s == nil {
			return
		}
		for _, st := range s.Stmts {
			checkStmt(st)
		}
	case *parser.ExprStmt:
		s.Expr = checkExpr(s.Expr)
	case *parser.IncDecStmt:
		s.Expr = checkExpr(s.Expr)
	case *parser.IfStmt:
		if s.Init != nil {
			checkStmt(s.Init)
		}
		s.Cond = checkExpr(s.Cond)
		checkStmt(s.Body)
		if s.Else != nil {
			checkStmt(s.Else)
		}
	case *parser.ForStmt:
		if s.Init != nil {
			checkStmt(s.Init)
		}
		if s.Cond != nil {
			s.Cond = checkExpr(s.Cond)
		}
		if s.Post != nil {
			checkStmt(s.Post)
		}
		checkStmt(s.Body)
	case *parser.ForInStmt:
		s.Iterable = checkExpr(s.Iterable)
		checkStmt(s.Body)
	case *parser.ReturnStmt:
		if s.Result != nil {
			s.Result = checkExpr(s.Result)
		}
	case *parser.ExportStmt:
		if s.Result != nil {
			s.Result = checkExpr(s.Result)
		}
	}
}

func checkExpr(e parser.Expr) parser.Expr {
	switch e := e.(type) {
	case *parser.BinaryExpr:
		e.LHS = checkExpr(e.LHS)
		e.RHS = checkExpr(e.RHS)
		if _, ok := checkedTokens[e.Token]; ok {
			return checkedCall(e.Token, e.TokenPos, e.LHS, e.RHS)
		}
	case *parser.UnaryExpr:
		e.Expr = checkExpr(e.Expr)
	case *parser.ParenExpr:
		e.Expr = checkExpr(e.Expr)
	case *parser.CondExpr:
		e.Cond = checkExpr(e.Cond)
		e.True = checkExpr(e.True)
		e.False = checkExpr(e.False)
	case *parser.CallExpr:
		e.Func = checkExpr(e.Func)
		for i, a := range e.Args {
			e.Args[i] = checkExpr(a)
		}
	case *parser.IndexExpr:
		e.Expr = checkExpr(e.Expr)
		e.Index = checkExpr(e.Index)
	case *parser.SliceExpr:
		e.Expr = checkExpr(e.Expr)
		if e.Low != nil {
			e.Low = checkExpr(e.Low)
		}
		if e.High != nil {
			e.High = checkExpr(e.High)
		}
	case *parser.SelectorExpr:
		e.Expr = checkExpr(e.Expr)
	case *parser.ArrayLit:
		for i, el := range e.Elements {
			e.Elements[i] = checkExpr(el)
		}
	case *parser.MapLit:
		for _, el := range e.Elements {
			el.Value = checkExpr(el.Value)
		}
	case *parser.FuncLit:
		checkStmt(e.Body)
	case *parser.ErrorExpr:
		e.Expr = checkExpr(e.Expr)
	case *parser.ImmutableExpr:
		e.Expr = checkExpr(e.Expr)
	}
	return e
}
