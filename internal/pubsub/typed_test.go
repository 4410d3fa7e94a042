package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeting struct {
	Text  string `json:"text"`
	Times int    `json:"times"`
}

func TestTypedTopic_RoundTrip(t *testing.T) {
	bridge := NewWatermillBridge(nil)
	t.Cleanup(func() { _ = bridge.Close() })

	topic := NewTopic[greeting]("scriptd.greetings")
	got := make(chan greeting, 1)

	ctx := context.Background()
	require.NoError(t, bridge.Subscribe(ctx, topic.Name(), func(_ context.Context, msg Message) error {
		g, err := Decode(topic, msg)
		if err != nil {
			return err
		}
		got <- g
		return nil
	}))
	require.NoError(t, Publish(ctx, bridge, topic, "test", greeting{Text: "hi", Times: 2}, nil))

	select {
	case g := <-got:
		assert.Equal(t, greeting{Text: "hi", Times: 2}, g)
	case <-time.After(time.Second):
		t.Fatal("typed message not delivered")
	}
}

func TestDecode_InvalidPayload(t *testing.T) {
	_, err := Decode(NewTopic[greeting]("x"), Message{Payload: []byte("not json")})
	assert.Error(t, err)
}
