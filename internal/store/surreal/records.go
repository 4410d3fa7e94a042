package surreal

import (
	"fmt"
	"time"

	"github.com/nfrund/scriptd/internal/store"
)

// Table names. Record ids are type::thing(<table>, <store id>); the store id
// is also kept in the key field so it can be filtered and sorted on.
const (
	objectTable = "objects"
	stateTable  = "states"
)

type objectRecord struct {
	Key    string         `json:"key"`
	Type   string         `json:"type"`
	Common map[string]any `json:"common"`
	Native map[string]any `json:"native,omitempty"`
}

type stateRecord struct {
	Key  string `json:"key"`
	Val  any    `json:"val"`
	Ack  bool   `json:"ack"`
	Ts   int64  `json:"ts"`
	LC   int64  `json:"lc"`
	From string `json:"from,omitempty"`
}

func objectToRecord(obj *store.Object) map[string]any {
	doc := map[string]any{
		"key":    obj.ID,
		"type":   obj.Type,
		"common": obj.Common,
	}
	if obj.Native != nil {
		doc["native"] = obj.Native
	}
	return doc
}

func (r objectRecord) object() *store.Object {
	common, _ := normalize(r.Common).(map[string]any)
	native, _ := normalize(r.Native).(map[string]any)
	if common == nil {
		common = map[string]any{}
	}
	return &store.Object{ID: r.Key, Type: r.Type, Common: common, Native: native}
}

func stateToRecord(id string, st *store.State) map[string]any {
	return map[string]any{
		"key":  id,
		"val":  st.Val,
		"ack":  st.Ack,
		"ts":   st.Ts.UnixMilli(),
		"lc":   st.LC.UnixMilli(),
		"from": st.From,
	}
}

func (r stateRecord) state() *store.State {
	return &store.State{
		Val:  normalize(r.Val),
		Ack:  r.Ack,
		Ts:   time.UnixMilli(r.Ts),
		LC:   time.UnixMilli(r.LC),
		From: r.From,
	}
}

// decodeObject reads a record delivered by a live query notification.
func decodeObject(v any) (*store.Object, error) {
	m, ok := normalize(v).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("object record: unexpected %T", v)
	}
	key, _ := m["key"].(string)
	if key == "" {
		return nil, fmt.Errorf("object record without key")
	}
	r := objectRecord{Key: key}
	r.Type, _ = m["type"].(string)
	r.Common, _ = m["common"].(map[string]any)
	r.Native, _ = m["native"].(map[string]any)
	return r.object(), nil
}

func decodeState(v any) (*store.State, string, error) {
	m, ok := normalize(v).(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("state record: unexpected %T", v)
	}
	key, _ := m["key"].(string)
	if key == "" {
		return nil, "", fmt.Errorf("state record without key")
	}
	r := stateRecord{Key: key, Val: m["val"]}
	r.Ack, _ = m["ack"].(bool)
	r.Ts = toInt64(m["ts"])
	r.LC = toInt64(m["lc"])
	r.From, _ = m["from"].(string)
	return r.state(), key, nil
}

// normalize converts decoded CBOR values into the shapes the rest of the
// engine expects: string keyed maps and int64 integers.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case uint64:
		return int64(x)
	case uint32:
		return int64(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case uint64:
		return int64(x)
	case int:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}

// patterns is a reference counted set of store patterns.
type patterns map[string]int

func (p patterns) add(pattern string) { p[pattern]++ }

func (p patterns) remove(pattern string) {
	if p[pattern] <= 1 {
		delete(p, pattern)
		return
	}
	p[pattern]--
}

func (p patterns) match(id string) bool {
	for pattern := range p {
		if store.MatchPattern(pattern, id) {
			return true
		}
	}
	return false
}
