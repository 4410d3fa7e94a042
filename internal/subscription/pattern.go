package subscription

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/nfrund/scriptd/internal/store"
)

// Change filters on how the value moved relative to the previous state.
type Change string

const (
	ChangeAny Change = "any"
	ChangeEq  Change = "eq"
	ChangeNe  Change = "ne"
	ChangeGt  Change = "gt"
	ChangeGe  Change = "ge"
	ChangeLt  Change = "lt"
	ChangeLe  Change = "le"
)

// Pattern is the declarative form scripts use to subscribe. Every set field
// becomes one predicate.
type Pattern struct {
	ID      string // exact id or pattern with '*'
	IDRegex *regexp.Regexp
	Change  Change
	Val     any
	ValNe   any
	ValGt   *float64
	ValGe   *float64
	ValLt   *float64
	ValLe   *float64
	Ack     *bool
	From    string
	Logic   Mode
}

// UpstreamID is the id or pattern to request from the store.
func (p *Pattern) UpstreamID() string {
	if p.ID == "" || p.IDRegex != nil {
		return "*"
	}
	return p.ID
}

// Predicates builds the predicate list in a fixed field order.
func (p *Pattern) Predicates() []Predicate {
	var preds []Predicate
	switch {
	case p.IDRegex != nil:
		re := p.IDRegex
		preds = append(preds, func(ev *Event) bool { return re.MatchString(ev.ID) })
	case p.ID != "" && strings.ContainsAny(p.ID, "*?["):
		pattern := p.ID
		preds = append(preds, func(ev *Event) bool { return store.MatchPattern(pattern, ev.ID) })
	case p.ID != "":
		id := p.ID
		preds = append(preds, IDEquals(id))
	}
	if p.Change != "" && p.Change != ChangeAny {
		preds = append(preds, changed(p.Change))
	}
	if p.Val != nil {
		want := p.Val
		preds = append(preds, func(ev *Event) bool { return equalValues(ev.State.Val, want) })
	}
	if p.ValNe != nil {
		notWant := p.ValNe
		preds = append(preds, func(ev *Event) bool { return !equalValues(ev.State.Val, notWant) })
	}
	for _, cmp := range []struct {
		bound *float64
		ok    func(a, b float64) bool
	}{
		{p.ValGt, func(a, b float64) bool { return a > b }},
		{p.ValGe, func(a, b float64) bool { return a >= b }},
		{p.ValLt, func(a, b float64) bool { return a < b }},
		{p.ValLe, func(a, b float64) bool { return a <= b }},
	} {
		if cmp.bound == nil {
			continue
		}
		bound, ok := *cmp.bound, cmp.ok
		preds = append(preds, func(ev *Event) bool {
			v, isNum := number(ev.State.Val)
			return isNum && ok(v, bound)
		})
	}
	if p.Ack != nil {
		ack := *p.Ack
		preds = append(preds, func(ev *Event) bool { return ev.State.Ack == ack })
	}
	if p.From != "" {
		from := p.From
		preds = append(preds, func(ev *Event) bool { return ev.State.From == from })
	}
	return preds
}

// IDEquals matches events for exactly id.
func IDEquals(id string) Predicate {
	return func(ev *Event) bool { return ev.ID == id }
}

// ValueGreater matches numeric values above bound.
func ValueGreater(bound float64) Predicate {
	return func(ev *Event) bool {
		v, ok := number(ev.State.Val)
		return ok && v > bound
	}
}

func changed(c Change) Predicate {
	return func(ev *Event) bool {
		var oldVal any
		if ev.OldState != nil {
			oldVal = ev.OldState.Val
		}
		switch c {
		case ChangeEq:
			return ev.OldState != nil && equalValues(ev.State.Val, oldVal)
		case ChangeNe:
			return ev.OldState == nil || !equalValues(ev.State.Val, oldVal)
		}
		n, ok1 := number(ev.State.Val)
		o, ok2 := number(oldVal)
		if !ok1 || !ok2 {
			return false
		}
		switch c {
		case ChangeGt:
			return n > o
		case ChangeGe:
			return n >= o
		case ChangeLt:
			return n < o
		case ChangeLe:
			return n <= o
		}
		return false
	}
}

// ParseChange validates a change filter name.
func ParseChange(s string) (Change, error) {
	switch c := Change(strings.ToLower(s)); c {
	case ChangeAny, ChangeEq, ChangeNe, ChangeGt, ChangeGe, ChangeLt, ChangeLe:
		return c, nil
	case "":
		return ChangeAny, nil
	}
	return "", fmt.Errorf("unknown change filter %q", s)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func equalValues(a, b any) bool {
	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && x == y
	}
	return reflect.DeepEqual(a, b)
}
