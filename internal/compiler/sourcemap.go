package compiler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Segment is one global script's contribution to the prelude.
type Segment struct {
	ScriptID string
	Filename string
	Start    int // first line of the segment in the prelude, 1-based
	Lines    int
}

// Prelude is the concatenated native text of all global scripts. It is
// prepended to every non-global script before compiling.
type Prelude struct {
	Text     string
	Lines    int
	Segments []Segment
}

// Append adds a global script's native text to the prelude.
func (p *Prelude) Append(scriptID, filename, native string) {
	if native != "" && !strings.HasSuffix(native, "\n") {
		native += "\n"
	}
	n := strings.Count(native, "\n")
	p.Segments = append(p.Segments, Segment{
		ScriptID: scriptID,
		Filename: filename,
		Start:    p.Lines + 1,
		Lines:    n,
	})
	p.Text += native
	p.Lines += n
}

// Clone returns an independent copy.
func (p *Prelude) Clone() *Prelude {
	if p == nil {
		return &Prelude{}
	}
	c := *p
	c.Segments = append([]Segment(nil), p.Segments...)
	return &c
}

// SourceMap maps lines of a unit's executed text back to the file and line
// its author wrote.
type SourceMap struct {
	filename string
	prelude  *Prelude
}

// NewSourceMap creates a map for a unit with the given virtual filename that
// was compiled after the prelude.
func NewSourceMap(filename string, prelude *Prelude) *SourceMap {
	if prelude == nil {
		prelude = &Prelude{}
	}
	return &SourceMap{filename: filename, prelude: prelude}
}

// PreludeLines is the number of lines injected before the script's own text.
func (m *SourceMap) PreludeLines() int {
	return m.prelude.Lines
}

// Resolve maps a line of the executed text to the author's file and line.
func (m *SourceMap) Resolve(line int) (string, int) {
	if line > m.prelude.Lines {
		return m.filename, line - m.prelude.Lines
	}
	for _, seg := range m.prelude.Segments {
		if line >= seg.Start && line < seg.Start+seg.Lines {
			return seg.Filename, line - seg.Start + 1
		}
	}
	return m.filename, line
}

var positionPattern = regexp.MustCompile(`([^\s:]+):(\d+):(\d+)`)

// RewritePosition rewrites a "file:line:col" reference of the executed text.
// Positions in other files are returned unchanged.
func (m *SourceMap) RewritePosition(pos string) string {
	return positionPattern.ReplaceAllStringFunc(pos, func(s string) string {
		sub := positionPattern.FindStringSubmatch(s)
		if sub[1] != m.filename {
			return s
		}
		line, _ := strconv.Atoi(sub[2])
		file, mapped := m.Resolve(line)
		return fmt.Sprintf("%s:%d:%s", file, mapped, sub[3])
	})
}

// SplitRuntimeError separates a VM error into its message and its rewritten
// trace lines, innermost first.
func (m *SourceMap) SplitRuntimeError(err error) (string, []string) {
	lines := strings.Split(err.Error(), "\n")
	msg := strings.TrimPrefix(lines[0], "Runtime Error: ")
	var trace []string
	for _, l := range lines[1:] {
		l = strings.TrimSpace(l)
		if !strings.HasPrefix(l, "at ") {
			if l != "" {
				msg += " " + l
			}
			continue
		}
		trace = append(trace, m.RewritePosition(strings.TrimPrefix(l, "at ")))
	}
	return msg, trace
}
