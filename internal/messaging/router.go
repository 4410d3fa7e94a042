package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/scriptd/internal/eventloop"
	"github.com/nfrund/scriptd/internal/pubsub"
	"github.com/nfrund/scriptd/internal/sandbox"
)

const (
	sender              = "scriptd"
	defaultReplyTimeout = 2 * time.Second
)

// DeclarationSource exposes the ambient declaration set.
type DeclarationSource interface {
	Ambient() map[string]string
	Snapshot(scriptID string) (map[string]string, bool)
}

// Dependencies holds what the Router needs.
type Dependencies struct {
	Bus          pubsub.Bus
	Loop         *eventloop.Loop
	Scripts      *sandbox.Bus
	Declarations DeclarationSource
	// ReplyTimeout bounds how long script handlers may take to reply.
	ReplyTimeout time.Duration
	Logger       *slog.Logger
}

// Router handles envelopes arriving on RequestTopic and publishes replies
// on ReplyTopic. It also acts as a client through Request.
type Router struct {
	deps   Dependencies
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Reply
}

// NewRouter creates a Router. Call Start to subscribe.
func NewRouter(deps Dependencies) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ReplyTimeout <= 0 {
		deps.ReplyTimeout = defaultReplyTimeout
	}
	return &Router{
		deps:    deps,
		logger:  deps.Logger.With("component", "messaging"),
		pending: make(map[string]chan Reply),
	}
}

// Start subscribes to the request and reply topics.
func (r *Router) Start(ctx context.Context) error {
	if err := r.deps.Bus.Subscribe(ctx, RequestTopic.Name(), r.handleRequest); err != nil {
		return fmt.Errorf("subscribe %s: %w", RequestTopic.Name(), err)
	}
	if err := r.deps.Bus.Subscribe(ctx, ReplyTopic.Name(), r.handleReply); err != nil {
		return fmt.Errorf("subscribe %s: %w", ReplyTopic.Name(), err)
	}
	return nil
}

// Request publishes env and waits for its reply.
func (r *Router) Request(ctx context.Context, env Envelope) (*Reply, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	ch := make(chan Reply, 1)
	r.mu.Lock()
	r.pending[env.CorrelationID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, env.CorrelationID)
		r.mu.Unlock()
	}()

	if err := pubsub.Publish(ctx, r.deps.Bus, RequestTopic, "client", env,
		map[string]string{"correlation_id": env.CorrelationID}); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return &reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) handleReply(_ context.Context, msg pubsub.Message) error {
	reply, err := pubsub.Decode(ReplyTopic, msg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	ch, ok := r.pending[reply.CorrelationID]
	r.mu.Unlock()
	if ok {
		select {
		case ch <- reply:
		default:
		}
	}
	return nil
}

func (r *Router) handleRequest(ctx context.Context, msg pubsub.Message) error {
	env, err := pubsub.Decode(RequestTopic, msg)
	if err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		r.logger.Warn("Rejected envelope", "correlation_id", env.CorrelationID, "error", err)
		return r.publishReply(ctx, Reply{CorrelationID: env.CorrelationID, Error: err.Error()})
	}

	switch env.Command {
	case CommandToScript:
		p, _ := env.ToScript()
		return r.toScript(ctx, env.CorrelationID, p)
	case CommandDeclarations:
		p, _ := env.Declarations()
		return r.declarations(ctx, env.CorrelationID, p)
	}
	return nil
}

func (r *Router) toScript(ctx context.Context, correlationID string, p *ToScript) error {
	var once sync.Once
	send := func(reply Reply) {
		once.Do(func() {
			if err := r.publishReply(ctx, reply); err != nil {
				r.logger.Error("Failed to publish reply", "correlation_id", correlationID, "error", err)
			}
		})
	}

	posted := r.deps.Loop.Post(func() {
		delivered := r.deps.Scripts.Match(p.Script, p.Message)
		if delivered == 0 {
			send(Reply{CorrelationID: correlationID})
			return
		}
		r.deps.Scripts.Deliver(p.Script, p.Message, p.Data, func(result any) {
			send(Reply{CorrelationID: correlationID, Delivered: delivered, Result: result})
		})
		time.AfterFunc(r.deps.ReplyTimeout, func() {
			send(Reply{CorrelationID: correlationID, Delivered: delivered})
		})
	})
	if !posted {
		send(Reply{CorrelationID: correlationID, Error: eventloop.ErrClosed.Error()})
	}
	return nil
}

func (r *Router) declarations(ctx context.Context, correlationID string, p *Declarations) error {
	reply := Reply{CorrelationID: correlationID}
	if p.Script == "" {
		reply.Result = r.deps.Declarations.Ambient()
	} else if snap, ok := r.deps.Declarations.Snapshot(p.Script); ok {
		reply.Result = snap
	} else {
		reply.Error = fmt.Sprintf("no declarations recorded for %s", p.Script)
	}
	return r.publishReply(ctx, reply)
}

func (r *Router) publishReply(ctx context.Context, reply Reply) error {
	// fire-and-forget envelopes carry no correlation id
	if reply.CorrelationID == "" {
		return nil
	}
	return pubsub.Publish(ctx, r.deps.Bus, ReplyTopic, sender, reply,
		map[string]string{"correlation_id": reply.CorrelationID})
}
