package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupOTel(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled tracing", func(t *testing.T) {
		tracer, cleanup, err := SetupOTel(ctx, TracingConfig{Enabled: false})
		require.NoError(t, err)
		require.NotNil(t, tracer)
		_, span := tracer.Start(ctx, "test")
		span.End()
		cleanup()
	})

	t.Run("enabled tracing with unreachable collector", func(t *testing.T) {
		cfg := DefaultTracingConfig()
		cfg.Enabled = true
		cfg.ZipkinURL = "http://invalid-url:9411/api/v2/spans"
		tracer, cleanup, err := SetupOTel(ctx, cfg)
		require.NoError(t, err)
		require.NotNil(t, tracer)
		cleanup()
	})
}

func TestWatermillBridge_TracesPublishAndProcess(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	bridge := NewWatermillBridgeWithTracer(tp.Tracer("test"), nil)
	t.Cleanup(func() { _ = bridge.Close() })

	ctx := context.Background()
	received := make(chan Message, 2)
	require.NoError(t, bridge.Subscribe(ctx, "scriptd.test", func(_ context.Context, msg Message) error {
		received <- msg
		if msg.Metadata["fail"] == "yes" {
			return errors.New("rejected")
		}
		return nil
	}))

	require.NoError(t, bridge.Publish(ctx, Message{
		Topic:    "scriptd.test",
		Sender:   "cli",
		Payload:  []byte(`{"hello":"world"}`),
		Metadata: map[string]string{"correlation_id": "c-1"},
	}))

	select {
	case msg := <-received:
		assert.Equal(t, "scriptd.test", msg.Topic)
		assert.Equal(t, "cli", msg.Sender)
		assert.Equal(t, "c-1", msg.Metadata["correlation_id"])
		assert.JSONEq(t, `{"hello":"world"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	assert.Eventually(t, func() bool {
		var publish, process bool
		for _, s := range recorder.Ended() {
			switch s.Name() {
			case "bus.publish.scriptd.test":
				publish = true
			case "bus.process.scriptd.test":
				process = true
			}
		}
		return publish && process
	}, time.Second, 10*time.Millisecond)
}
