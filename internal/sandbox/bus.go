package sandbox

import (
	"sort"
	"strings"
	"sync"

	"github.com/d5/tengo/v2"
	"github.com/google/uuid"

	"github.com/nfrund/scriptd/internal/script"
)

// Reply receives the answer of a message handler.
type Reply func(result any)

type messageHandler struct {
	id      string
	seq     uint64
	inst    *Instance
	message string
	fn      tengo.Object
}

// Bus routes named messages to script handlers registered with onMessage.
type Bus struct {
	mu       sync.Mutex
	handlers map[string]*messageHandler
	seq      uint64
}

// NewBus creates an empty message bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]*messageHandler)}
}

func (b *Bus) add(inst *Instance, message string, fn tengo.Object) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	h := &messageHandler{id: uuid.NewString(), seq: b.seq, inst: inst, message: message, fn: fn}
	b.handlers[h.id] = h
	return h.id
}

func (b *Bus) remove(inst *Instance, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handlers[id]
	if !ok || h.inst != inst {
		return false
	}
	delete(b.handlers, id)
	return true
}

// RemoveOwner drops every handler of an instance.
func (b *Bus) RemoveOwner(instanceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, h := range b.handlers {
		if h.inst.ID == instanceID {
			delete(b.handlers, id)
			n++
		}
	}
	return n
}

// Count returns how many handlers an instance has registered.
func (b *Bus) Count(instanceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, h := range b.handlers {
		if h.inst.ID == instanceID {
			n++
		}
	}
	return n
}

// targets matches handlers by script id, short name or relative id. An
// empty target or "*" broadcasts to every script.
func (h *messageHandler) targets(target string) bool {
	switch target {
	case "", "*":
		return true
	case h.inst.ScriptID, h.inst.Name, script.RelativeID(h.inst.ScriptID):
		return true
	}
	return strings.TrimPrefix(target, script.Prefix) == script.RelativeID(h.inst.ScriptID)
}

func (b *Bus) match(target, message string) []*messageHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*messageHandler
	for _, h := range b.handlers {
		if h.message == message && h.targets(target) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Match counts the handlers Deliver would call.
func (b *Bus) Match(target, message string) int {
	return len(b.match(target, message))
}

// Deliver calls every matching handler with the payload and a reply
// callback. It must run on the engine loop. It returns the number of
// handlers called.
func (b *Bus) Deliver(target, message string, payload any, reply Reply) int {
	handlers := b.match(target, message)
	arg, err := tengo.FromInterface(payload)
	if err != nil {
		arg = tengo.UndefinedValue
	}
	for _, h := range handlers {
		respond := &tengo.UserFunction{
			Name: "reply",
			Value: func(args ...tengo.Object) (tengo.Object, error) {
				if reply == nil {
					return tengo.UndefinedValue, nil
				}
				var result any
				if len(args) > 0 {
					result = tengo.ToInterface(args[0])
				}
				reply(result)
				return tengo.UndefinedValue, nil
			},
		}
		h.inst.deferred("message", h.fn, arg, respond)
	}
	return len(handlers)
}
