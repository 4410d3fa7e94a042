package sandbox

import (
	"fmt"
	"regexp"
	"time"

	"github.com/d5/tengo/v2"

	"github.com/nfrund/scriptd/internal/schedule"
	"github.com/nfrund/scriptd/internal/store"
	"github.com/nfrund/scriptd/internal/subscription"
)

func stateObject(st *store.State) tengo.Object {
	if st == nil {
		return tengo.UndefinedValue
	}
	val, err := tengo.FromInterface(st.Val)
	if err != nil {
		val = &tengo.String{Value: fmt.Sprint(st.Val)}
	}
	m := map[string]tengo.Object{
		"val": val,
		"ack": tengo.FalseValue,
		"ts":  &tengo.Int{Value: st.Ts.UnixMilli()},
		"lc":  &tengo.Int{Value: st.LC.UnixMilli()},
	}
	if st.Ack {
		m["ack"] = tengo.TrueValue
	}
	if st.From != "" {
		m["from"] = &tengo.String{Value: st.From}
	}
	return &tengo.ImmutableMap{Value: m}
}

func eventObject(ev *subscription.Event) tengo.Object {
	return &tengo.ImmutableMap{Value: map[string]tengo.Object{
		"id":       &tengo.String{Value: ev.ID},
		"state":    stateObject(ev.State),
		"oldState": stateObject(ev.OldState),
	}}
}

func mapValue(o tengo.Object) (map[string]tengo.Object, bool) {
	switch m := o.(type) {
	case *tengo.Map:
		return m.Value, true
	case *tengo.ImmutableMap:
		return m.Value, true
	}
	return nil, false
}

func floatField(m map[string]tengo.Object, key string) (*float64, error) {
	o, ok := m[key]
	if !ok {
		return nil, nil
	}
	f, ok := tengo.ToFloat64(o)
	if !ok {
		return nil, fmt.Errorf("%s must be a number, got %s", key, o.TypeName())
	}
	return &f, nil
}

// patternFromObject reads the first argument of on(). A bare string is an
// id that fires on value changes; a map lists filters that are combined
// with "and" unless logic says otherwise.
func patternFromObject(o tengo.Object) (*subscription.Pattern, error) {
	if s, ok := o.(*tengo.String); ok {
		return &subscription.Pattern{ID: s.Value, Change: subscription.ChangeNe, Logic: subscription.ModeAnd}, nil
	}
	m, ok := mapValue(o)
	if !ok {
		return nil, fmt.Errorf("pattern must be a string or map, got %s", o.TypeName())
	}

	p := &subscription.Pattern{Change: subscription.ChangeAny, Logic: subscription.ModeAnd}
	if v, ok := m["id"]; ok {
		p.ID, _ = tengo.ToString(v)
	}
	if v, ok := m["idRegex"]; ok {
		s, _ := tengo.ToString(v)
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("idRegex: %w", err)
		}
		p.IDRegex = re
	}
	if v, ok := m["change"]; ok {
		s, _ := tengo.ToString(v)
		c, err := subscription.ParseChange(s)
		if err != nil {
			return nil, err
		}
		p.Change = c
	}
	if v, ok := m["val"]; ok {
		p.Val = tengo.ToInterface(v)
	}
	if v, ok := m["valNe"]; ok {
		p.ValNe = tengo.ToInterface(v)
	}
	var err error
	if p.ValGt, err = floatField(m, "valGt"); err != nil {
		return nil, err
	}
	if p.ValGe, err = floatField(m, "valGe"); err != nil {
		return nil, err
	}
	if p.ValLt, err = floatField(m, "valLt"); err != nil {
		return nil, err
	}
	if p.ValLe, err = floatField(m, "valLe"); err != nil {
		return nil, err
	}
	if v, ok := m["ack"]; ok {
		ack := !v.IsFalsy()
		p.Ack = &ack
	}
	if v, ok := m["from"]; ok {
		p.From, _ = tengo.ToString(v)
	}
	if v, ok := m["logic"]; ok {
		s, _ := tengo.ToString(v)
		p.Logic = subscription.ParseMode(s)
	}
	return p, nil
}

func millis(o tengo.Object) (time.Duration, bool) {
	n, ok := tengo.ToInt64(o)
	if !ok {
		return 0, false
	}
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Millisecond, true
}

func wizardFromObject(o tengo.Object) (schedule.Wizard, error) {
	m, ok := mapValue(o)
	if !ok {
		return schedule.Wizard{}, fmt.Errorf("wizard must be a map, got %s", o.TypeName())
	}
	var w schedule.Wizard
	for key, dst := range map[string]*int{"hour": &w.Hour, "minute": &w.Minute, "second": &w.Second} {
		if v, ok := m[key]; ok {
			n, ok := tengo.ToInt(v)
			if !ok {
				return schedule.Wizard{}, fmt.Errorf("%s must be an int", key)
			}
			*dst = n
		}
	}
	if v, ok := m["weekdays"]; ok {
		arr, ok := v.(*tengo.Array)
		if !ok {
			return schedule.Wizard{}, fmt.Errorf("weekdays must be an array")
		}
		for _, d := range arr.Value {
			n, ok := tengo.ToInt(d)
			if !ok {
				return schedule.Wizard{}, fmt.Errorf("weekdays must contain ints")
			}
			w.Weekdays = append(w.Weekdays, n)
		}
	}
	return w, nil
}

func errorObject(format string, args ...any) tengo.Object {
	return &tengo.Error{Value: &tengo.String{Value: fmt.Sprintf(format, args...)}}
}
