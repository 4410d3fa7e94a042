package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/scriptd/internal/lifecycle"
	"github.com/nfrund/scriptd/internal/messaging"
	"github.com/nfrund/scriptd/internal/script"
)

func TestDisplayScripts(t *testing.T) {
	scripts := []lifecycle.Status{
		{ID: "script.js.a", Dialect: script.DialectNative, State: lifecycle.StateRunning},
		{ID: "script.js.global.g", Dialect: script.DialectTyped, Global: true, State: lifecycle.StateFailed, Error: "boom"},
	}

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, DisplayScripts(&buf, "table", scripts))
		out := buf.String()
		assert.Contains(t, out, "script.js.global.g (global)")
		assert.Contains(t, out, "boom")
		assert.Contains(t, out, "tengo/typed")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, DisplayScripts(&buf, "json", scripts))
		var got struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, 2, got.Count)
	})

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, DisplayScripts(&buf, "", nil))
		assert.Contains(t, buf.String(), "No scripts found")
	})

	t.Run("unknown format", func(t *testing.T) {
		assert.Error(t, DisplayScripts(&bytes.Buffer{}, "yaml", scripts))
	})
}

func TestDisplayReply(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, DisplayReply(&buf, "text", &messaging.Reply{Delivered: 2, Result: map[string]any{"ok": true}}))
	assert.Equal(t, "Delivered to 2 handler(s)\nResult: {\"ok\":true}\n", buf.String())
}

func TestDisplayCheck(t *testing.T) {
	var buf bytes.Buffer
	diags := []script.Diagnostic{{Line: 3, Column: 5, Severity: script.SeverityError, Message: "bad"}}
	require.NoError(t, DisplayCheck(&buf, "text", "a.tengo", diags, ""))
	assert.Equal(t, "a.tengo:3:5: error: bad\n", buf.String())

	buf.Reset()
	require.NoError(t, DisplayCheck(&buf, "text", "g.tts", nil, "declare x: int\n"))
	assert.Equal(t, "g.tts: ok\n\nDeclarations:\ndeclare x: int\n", buf.String())
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", truncateString("abc", 5))
	assert.Equal(t, "ab...", truncateString("abcdefgh", 5))
	assert.Equal(t, "ab", truncateString("abcdefgh", 2))
}
