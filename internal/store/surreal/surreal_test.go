package surreal

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/nfrund/scriptd/internal/store"
)

func TestMain(m *testing.M) {
	// integration settings are optional
	_ = godotenv.Load("../../../.env.test")
	os.Exit(m.Run())
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, isConnectionError(errors.New("dial tcp: connection refused")))
	assert.True(t, isConnectionError(errors.New("write: broken pipe")))
	assert.False(t, isConnectionError(errors.New("parse error in query")))
	assert.False(t, isConnectionError(context.DeadlineExceeded))
	assert.False(t, isConnectionError(nil))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "ws://root:xxxxx@localhost:8000/rpc", redactURL("ws://root:secret@localhost:8000/rpc"))
	assert.Equal(t, "invalid-url", redactURL("://"))
}

func TestDecodeRecords(t *testing.T) {
	t.Run("object with generic maps", func(t *testing.T) {
		obj, err := decodeObject(map[any]any{
			"key":    "script.js.a",
			"type":   "script",
			"common": map[any]any{"enabled": true, "engine": "system.adapter.javascript.0"},
		})
		require.NoError(t, err)
		assert.Equal(t, "script.js.a", obj.ID)
		assert.True(t, obj.CommonBool("enabled"))
		assert.Equal(t, "system.adapter.javascript.0", obj.CommonString("engine"))
	})

	t.Run("object without key", func(t *testing.T) {
		_, err := decodeObject(map[string]any{"type": "script"})
		assert.Error(t, err)
	})

	t.Run("state integers are int64", func(t *testing.T) {
		st, id, err := decodeState(map[string]any{
			"key": "dev.0.temp",
			"val": uint64(21),
			"ack": true,
			"ts":  uint64(1700000000000),
			"lc":  uint64(1690000000000),
		})
		require.NoError(t, err)
		assert.Equal(t, "dev.0.temp", id)
		assert.Equal(t, int64(21), st.Val)
		assert.True(t, st.Ack)
		assert.Equal(t, int64(1700000000000), st.Ts.UnixMilli())
		assert.Equal(t, int64(1690000000000), st.LC.UnixMilli())
	})

	t.Run("nested values", func(t *testing.T) {
		v := normalize([]any{uint32(1), map[any]any{"a": []any{int(2)}}})
		assert.Equal(t, []any{int64(1), map[string]any{"a": []any{int64(2)}}}, v)
	})
}

func TestPatterns(t *testing.T) {
	p := patterns{}
	p.add("dev.0.*")
	p.add("dev.0.*")
	assert.True(t, p.match("dev.0.temp"))
	assert.False(t, p.match("dev.1.temp"))

	p.remove("dev.0.*")
	assert.True(t, p.match("dev.0.temp"))
	p.remove("dev.0.*")
	assert.False(t, p.match("dev.0.temp"))
}

type recorder struct {
	mu      sync.Mutex
	objects []string
	states  []string
}

func (r *recorder) ObjectChanged(id string, _ *store.Object) {
	r.mu.Lock()
	r.objects = append(r.objects, id)
	r.mu.Unlock()
}

func (r *recorder) StateChanged(id string, _ *store.State) {
	r.mu.Lock()
	r.states = append(r.states, id)
	r.mu.Unlock()
}

func (r *recorder) seen(kind *[]string, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range *kind {
		if s == id {
			return true
		}
	}
	return false
}

// StoreSuite runs against a real SurrealDB when SURREAL_URL is set.
type StoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *Store
}

func (s *StoreSuite) SetupSuite() {
	if testing.Short() || os.Getenv("SURREAL_URL") == "" {
		s.T().Skip("skipping integration test: SURREAL_URL not set")
	}
	s.ctx = context.Background()
	st, err := Open(s.ctx, Config{
		URL:       os.Getenv("SURREAL_URL"),
		Namespace: os.Getenv("SURREAL_NS"),
		Database:  os.Getenv("SURREAL_DB"),
		User:      os.Getenv("SURREAL_USER"),
		Pass:      os.Getenv("SURREAL_PASS"),
	}, nil)
	s.Require().NoError(err)
	s.store = st
}

func (s *StoreSuite) TearDownSuite() {
	if s.store == nil {
		return
	}
	_, _ = query[any](s.ctx, s.store, "DELETE type::table($tb)", map[string]any{"tb": objectTable})
	_, _ = query[any](s.ctx, s.store, "DELETE type::table($tb)", map[string]any{"tb": stateTable})
	_ = s.store.Close(s.ctx)
}

func (s *StoreSuite) TestObjects() {
	obj := &store.Object{ID: "script.js.it.a", Type: "script", Common: map[string]any{"enabled": true, "source": "x := 1"}}
	s.Require().NoError(s.store.SetObject(s.ctx, obj))

	got, err := s.store.GetObject(s.ctx, obj.ID)
	s.Require().NoError(err)
	s.Equal("x := 1", got.CommonString("source"))

	list, err := s.store.GetObjectList(s.ctx, "script.js.it.")
	s.Require().NoError(err)
	s.Len(list, 1)

	s.Require().NoError(s.store.DelObject(s.ctx, obj.ID))
	_, err = s.store.GetObject(s.ctx, obj.ID)
	s.ErrorIs(err, store.ErrNotFound)
	s.ErrorIs(s.store.DelObject(s.ctx, obj.ID), store.ErrNotFound)
}

func (s *StoreSuite) TestStatesKeepLastChange() {
	id := "it.0.value"
	s.Require().NoError(s.store.SetState(s.ctx, id, &store.State{Val: int64(1), Ts: time.UnixMilli(1000)}))
	s.Require().NoError(s.store.SetState(s.ctx, id, &store.State{Val: int64(1), Ts: time.UnixMilli(2000)}))

	st, err := s.store.GetState(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(int64(2000), st.Ts.UnixMilli())
	s.Equal(int64(1000), st.LC.UnixMilli())
	s.Require().NoError(s.store.DelState(s.ctx, id))
}

func (s *StoreSuite) TestLiveNotifications() {
	rec := &recorder{}
	s.store.Watch(rec)
	s.Require().NoError(s.store.SubscribeStates(s.ctx, "it.1.*"))

	s.Require().NoError(s.store.SetState(s.ctx, "it.1.switch", &store.State{Val: true}))
	s.Require().NoError(s.store.SetState(s.ctx, "it.2.switch", &store.State{Val: true}))

	s.Eventually(func() bool { return rec.seen(&rec.states, "it.1.switch") }, 5*time.Second, 20*time.Millisecond)
	s.False(rec.seen(&rec.states, "it.2.switch"))
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}
