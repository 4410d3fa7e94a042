package declarations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConsumer struct {
	published []map[string]string
}

func (r *recordingConsumer) SetAmbient(files map[string]string) {
	r.published = append(r.published, files)
}

func TestPropagator_RecordPublishesToConsumers(t *testing.T) {
	p := New()
	c1 := &recordingConsumer{}
	c2 := &recordingConsumer{}
	p.Register(c1)
	p.Register(c2)

	p.Record("script.js.global.a", "declare lightOn: func")

	for _, c := range []*recordingConsumer{c1, c2} {
		require.Len(t, c.published, 2, "initial empty set plus one update")
		assert.Empty(t, c.published[0])
		assert.Equal(t, "declare lightOn: func\n", c.published[1][AmbientFilename])
	}
}

func TestPropagator_SnapshotExcludesOwnAndLaterDeclarations(t *testing.T) {
	p := New()
	p.Record("script.js.global.first", "declare a: int")
	p.Record("script.js.global.second", "declare b: string")
	p.Record("script.js.global.third", "declare c: bool")

	ambient := p.Ambient()[AmbientFilename]
	assert.Contains(t, ambient, "declare a: int")
	assert.Contains(t, ambient, "declare b: string")
	assert.Contains(t, ambient, "declare c: bool")

	first, ok := p.Snapshot("script.js.global.first")
	require.True(t, ok)
	assert.Empty(t, first)

	second, ok := p.Snapshot("script.js.global.second")
	require.True(t, ok)
	assert.Equal(t, "declare a: int\n", second[AmbientFilename])
	assert.NotContains(t, second[AmbientFilename], "declare b")
	assert.NotContains(t, second[AmbientFilename], "declare c")

	_, ok = p.Snapshot("script.js.other")
	assert.False(t, ok)
}

func TestPropagator_RecordAgainReplacesInPlace(t *testing.T) {
	p := New()
	p.Record("g1", "declare a: int")
	p.Record("g2", "declare b: int")
	p.Record("g1", "declare a: float")

	assert.Equal(t, []string{"g1", "g2"}, p.Contributors())
	assert.Equal(t, "declare a: float\ndeclare b: int\n", p.Ambient()[AmbientFilename])

	snap, _ := p.Snapshot("g2")
	assert.Equal(t, "declare a: float\n", snap[AmbientFilename])
}

func TestPropagator_EmptyFragmentIgnored(t *testing.T) {
	p := New()
	c := &recordingConsumer{}
	p.Register(c)

	p.Record("g1", "\n")

	assert.Empty(t, p.Contributors())
	assert.Len(t, c.published, 1)
}

func TestPropagator_Reset(t *testing.T) {
	p := New()
	c := &recordingConsumer{}
	p.Register(c)
	p.Record("g1", "declare a: int")

	p.Reset()

	assert.Empty(t, p.Ambient())
	assert.Empty(t, p.Contributors())
	assert.Empty(t, c.published[len(c.published)-1])
}
