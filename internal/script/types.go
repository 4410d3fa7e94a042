package script

import (
	"fmt"
	"strings"
	"time"

	"github.com/nfrund/scriptd/internal/store"
)

// Dialect identifies one of the accepted script source languages.
type Dialect string

const (
	// DialectNative is plain tengo source, executed as-is.
	DialectNative Dialect = "tengo"
	// DialectTyped is tengo with `name: type := expr` annotations that are checked statically.
	DialectTyped Dialect = "tengo/typed"
	// DialectIndent is an indentation-structured syntax transpiled to tengo.
	DialectIndent Dialect = "tengo/indent"
)

const (
	// ObjectType is the object-store type of script objects.
	ObjectType = "script"

	// Prefix is the id prefix shared by every script object.
	Prefix = "script.js."

	// GlobalPrefix marks scripts whose code is shared with every other script.
	GlobalPrefix = "script.js.global."
)

// ParseDialect maps an engine type string to a Dialect. An empty string is native.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tengo", "native":
		return DialectNative, nil
	case "tengo/typed", "typed", "tts":
		return DialectTyped, nil
	case "tengo/indent", "indent", "its":
		return DialectIndent, nil
	}
	return "", fmt.Errorf("unsupported script dialect: %q", s)
}

// Extension returns the file extension used for virtual filenames of this dialect.
func (d Dialect) Extension() string {
	switch d {
	case DialectTyped:
		return ".tts"
	case DialectIndent:
		return ".its"
	default:
		return ".tengo"
	}
}

// Descriptor is the stored definition of one automation script.
type Descriptor struct {
	ID          string
	Name        string
	Source      string
	Dialect     Dialect
	Enabled     bool
	Engine      string // engine instance that owns execution
	Verbose     bool
	Debug       bool
	StopTimeout time.Duration // zero means the engine default
}

// IsGlobal reports whether the script is shared with all other scripts as prelude code.
func (d *Descriptor) IsGlobal() bool {
	return IsGlobalID(d.ID)
}

// IsGlobalID reports whether id names a global script.
func IsGlobalID(id string) bool {
	return strings.HasPrefix(id, GlobalPrefix)
}

// RelativeID returns the id without the common script prefix.
func (d *Descriptor) RelativeID() string {
	return RelativeID(d.ID)
}

// RelativeID strips the script prefix from id.
func RelativeID(id string) string {
	return strings.TrimPrefix(id, Prefix)
}

// Filename returns the virtual filename used in diagnostics and traces.
func (d *Descriptor) Filename() string {
	return d.ID + d.Dialect.Extension()
}

// OwnedBy reports whether the given engine instance is responsible for running the script.
func (d *Descriptor) OwnedBy(engine string) bool {
	return d.Engine == engine
}

// Active reports whether the script should be running on the given engine instance.
func (d *Descriptor) Active(engine string) bool {
	return d.Enabled && d.OwnedBy(engine)
}

// SourceChanged reports whether other differs in anything that requires recompilation.
func (d *Descriptor) SourceChanged(other *Descriptor) bool {
	return d.Source != other.Source || d.Dialect != other.Dialect
}

// DescriptorFromObject builds a Descriptor from a script object.
func DescriptorFromObject(obj *store.Object) (*Descriptor, error) {
	if obj == nil {
		return nil, fmt.Errorf("nil script object")
	}
	if !strings.HasPrefix(obj.ID, Prefix) {
		return nil, fmt.Errorf("object %s is not a script", obj.ID)
	}
	if obj.Type != ObjectType {
		return nil, fmt.Errorf("object %s has type %q, want %q", obj.ID, obj.Type, ObjectType)
	}

	dialect, err := ParseDialect(obj.CommonString("engineType"))
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", obj.ID, err)
	}

	name := obj.CommonString("name")
	if name == "" {
		name = obj.ID[strings.LastIndex(obj.ID, ".")+1:]
	}

	desc := &Descriptor{
		ID:      obj.ID,
		Name:    name,
		Source:  obj.CommonString("source"),
		Dialect: dialect,
		Enabled: obj.CommonBool("enabled"),
		Engine:  obj.CommonString("engine"),
		Verbose: obj.CommonBool("verbose"),
		Debug:   obj.CommonBool("debug"),
	}
	if ms := obj.CommonInt("stopTimeout"); ms > 0 {
		desc.StopTimeout = time.Duration(ms) * time.Millisecond
	}
	return desc, nil
}

// NewObject builds the object-store representation of a script.
func NewObject(id, source string, dialect Dialect, engine string, enabled bool) *store.Object {
	return &store.Object{
		ID:   id,
		Type: ObjectType,
		Common: map[string]any{
			"name":       id[strings.LastIndex(id, ".")+1:],
			"source":     source,
			"engineType": string(dialect),
			"engine":     engine,
			"enabled":    enabled,
		},
	}
}

// Severity of a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one compiler message, positioned in the author's own source.
type Diagnostic struct {
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	if d.Line == 0 {
		return fmt.Sprintf("%s: %s", d.Severity, d.Message)
	}
	if d.File != "" {
		return fmt.Sprintf("%s:%d:%d: %s: %s", d.File, d.Line, d.Column, d.Severity, d.Message)
	}
	return fmt.Sprintf("%d:%d: %s: %s", d.Line, d.Column, d.Severity, d.Message)
}
