// Package declarations keeps the cumulative declaration text produced by
// global scripts and publishes it to every compiler.
package declarations

import (
	"maps"
	"strings"
	"sync"
)

// AmbientFilename is the virtual file holding all recorded declarations.
const AmbientFilename = "global.d.tengo"

// Consumer receives the full ambient set every time it changes.
type Consumer interface {
	SetAmbient(files map[string]string)
}

type fragment struct {
	scriptID string
	text     string
}

// Propagator records declaration fragments in contribution order. It is safe
// for concurrent use.
type Propagator struct {
	mu        sync.RWMutex
	fragments []fragment
	consumers []Consumer
}

// New returns an empty Propagator.
func New() *Propagator {
	return &Propagator{}
}

// Register adds a consumer and immediately hands it the current ambient set.
func (p *Propagator) Register(c Consumer) {
	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	ambient := p.ambientLocked(len(p.fragments))
	p.mu.Unlock()

	c.SetAmbient(ambient)
}

// Record appends the declarations contributed by scriptID and publishes the
// updated set. Recording the same script again replaces its fragment in
// place, so its position in the contribution order is kept.
func (p *Propagator) Record(scriptID, text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}

	p.mu.Lock()
	replaced := false
	for i := range p.fragments {
		if p.fragments[i].scriptID == scriptID {
			p.fragments[i].text = text
			replaced = true
			break
		}
	}
	if !replaced {
		p.fragments = append(p.fragments, fragment{scriptID: scriptID, text: text})
	}
	ambient := p.ambientLocked(len(p.fragments))
	consumers := append([]Consumer(nil), p.consumers...)
	p.mu.Unlock()

	for _, c := range consumers {
		c.SetAmbient(maps.Clone(ambient))
	}
}

// Ambient returns filename to text for everything recorded so far.
func (p *Propagator) Ambient() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ambientLocked(len(p.fragments))
}

// Snapshot returns the ambient set as it was before scriptID contributed.
// It is meant for editor tooling only and never feeds the execution path.
func (p *Propagator) Snapshot(scriptID string) (map[string]string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i, f := range p.fragments {
		if f.scriptID == scriptID {
			return p.ambientLocked(i), true
		}
	}
	return nil, false
}

// Contributors lists the scripts that recorded declarations, in order.
func (p *Propagator) Contributors() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, len(p.fragments))
	for i, f := range p.fragments {
		ids[i] = f.scriptID
	}
	return ids
}

// Reset drops every recorded fragment and publishes the empty set.
func (p *Propagator) Reset() {
	p.mu.Lock()
	p.fragments = nil
	consumers := append([]Consumer(nil), p.consumers...)
	p.mu.Unlock()

	for _, c := range consumers {
		c.SetAmbient(map[string]string{})
	}
}

func (p *Propagator) ambientLocked(upto int) map[string]string {
	out := map[string]string{}
	if upto == 0 {
		return out
	}
	parts := make([]string, 0, upto)
	for _, f := range p.fragments[:upto] {
		parts = append(parts, f.text)
	}
	out[AmbientFilename] = strings.Join(parts, "\n") + "\n"
	return out
}
