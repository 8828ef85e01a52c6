package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/pulseproof/pulseproof/internal/logging"
	r "github.com/pulseproof/pulseproof/internal/redis"
	"go.uber.org/zap"
)

const maxResubscribeDelay = 2 * time.Second

type registration struct {
	id      uint64
	handler Handler
}

// Subscriber holds one backend pub/sub connection per process and
// multiplexes received messages to locally registered handlers. The backend
// subscribes once per channel regardless of handler count.
type Subscriber struct {
	client r.Client
	logger *logging.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]registration
	pubsub   *r.PubSub
}

func NewSubscriber(client r.Client, logger *logging.Logger) *Subscriber {
	return &Subscriber{
		client:   client,
		logger:   logger,
		handlers: make(map[string][]registration),
	}
}

// Subscribe registers a handler for a channel and returns a cancel func that
// removes exactly this handler. The backend channel subscription is opened on
// the first handler and closed when the last one is removed.
func (s *Subscriber) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	first := len(s.handlers[channel]) == 0
	s.handlers[channel] = append(s.handlers[channel], registration{id: id, handler: handler})
	pubsub := s.pubsub
	s.mu.Unlock()

	if first && pubsub != nil {
		if err := pubsub.Subscribe(ctx, channel); err != nil {
			s.removeHandler(ctx, channel, id)
			return nil, err
		}
	}
	return func() {
		s.removeHandler(context.Background(), channel, id)
	}, nil
}

// Unsubscribe removes every handler for the channel and drops the backend
// subscription. Unsubscribing an unknown channel is a no-op.
func (s *Subscriber) Unsubscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	_, had := s.handlers[channel]
	delete(s.handlers, channel)
	pubsub := s.pubsub
	s.mu.Unlock()

	if had && pubsub != nil {
		return pubsub.Unsubscribe(ctx, channel)
	}
	return nil
}

func (s *Subscriber) removeHandler(ctx context.Context, channel string, id uint64) {
	s.mu.Lock()
	regs := s.handlers[channel]
	for i, reg := range regs {
		if reg.id == id {
			regs = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	var pubsub *r.PubSub
	if len(regs) == 0 {
		delete(s.handlers, channel)
		pubsub = s.pubsub
	} else {
		s.handlers[channel] = regs
	}
	s.mu.Unlock()

	if pubsub != nil {
		if err := pubsub.Unsubscribe(ctx, channel); err != nil {
			s.logger.Ctx(ctx).Warn("backend unsubscribe failed",
				zap.String("channel", channel),
				zap.Error(err))
		}
	}
}

func (s *Subscriber) channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channels := make([]string, 0, len(s.handlers))
	for channel := range s.handlers {
		channels = append(channels, channel)
	}
	return channels
}

// HandlerCount reports locally registered handlers for a channel.
func (s *Subscriber) HandlerCount(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers[channel])
}

// Run opens the backend connection and dispatches messages until the context
// is cancelled. Transient receive errors reopen the connection with a
// backoff capped at two seconds.
func (s *Subscriber) Run(ctx context.Context) error {
	s.open(ctx)
	defer s.closePubSub()

	delay := 50 * time.Millisecond
	for {
		s.mu.RLock()
		pubsub := s.pubsub
		s.mu.RUnlock()

		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Ctx(ctx).Warn("pub/sub receive failed, resubscribing",
				zap.Error(err),
				zap.Duration("backoff", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > maxResubscribeDelay {
				delay = maxResubscribeDelay
			}
			s.closePubSub()
			s.open(ctx)
			continue
		}
		delay = 50 * time.Millisecond
		s.dispatch(ctx, msg)
	}
}

func (s *Subscriber) open(ctx context.Context) {
	pubsub := s.client.Subscribe(ctx, s.channels()...)
	s.mu.Lock()
	s.pubsub = pubsub
	s.mu.Unlock()
}

func (s *Subscriber) closePubSub() {
	s.mu.Lock()
	pubsub := s.pubsub
	s.pubsub = nil
	s.mu.Unlock()
	if pubsub != nil {
		_ = pubsub.Close()
	}
}

func (s *Subscriber) dispatch(ctx context.Context, msg *r.Message) {
	s.mu.RLock()
	regs := make([]registration, len(s.handlers[msg.Channel]))
	copy(regs, s.handlers[msg.Channel])
	s.mu.RUnlock()

	for _, reg := range regs {
		s.invoke(ctx, msg.Channel, reg, []byte(msg.Payload))
	}
}

func (s *Subscriber) invoke(ctx context.Context, channel string, reg registration, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Ctx(ctx).Error("pub/sub handler panicked",
				zap.String("channel", channel),
				zap.Any("panic", rec))
		}
	}()
	if err := reg.handler(ctx, payload); err != nil {
		s.logger.Ctx(ctx).Error("pub/sub handler failed",
			zap.String("channel", channel),
			zap.Error(err))
	}
}
