package pubsub_test

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/pubsub"
	r "github.com/pulseproof/pulseproof/internal/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) r.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	client, err := r.New(context.Background(), &r.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func startSubscriber(t *testing.T, sub *pubsub.Subscriber) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not stop")
		}
	})
}

// publishUntil retries the publish until cond holds, since the backend
// subscription settles asynchronously.
func publishUntil(t *testing.T, pub *pubsub.Publisher, channel string, payload []byte, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := pub.Publish(context.Background(), channel, payload)
		require.NoError(t, err)
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("message never delivered")
}

func TestPublisher_NoSubscribers(t *testing.T) {
	t.Parallel()

	client := newTestClient(t)
	pub := pubsub.NewPublisher(client, logging.NewNop())

	receivers, err := pub.Publish(context.Background(), "notifications:site_1", []byte("hello"))
	require.NoError(t, err)
	assert.Zero(t, receivers)
}

func TestSubscriber_MultiplexesHandlers(t *testing.T) {
	t.Parallel()

	client := newTestClient(t)
	pub := pubsub.NewPublisher(client, logging.NewNop())
	sub := pubsub.NewSubscriber(client, logging.NewNop())
	startSubscriber(t, sub)

	var first, second atomic.Int64
	_, err := sub.Subscribe(context.Background(), "notifications:site_1", func(_ context.Context, _ []byte) error {
		first.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = sub.Subscribe(context.Background(), "notifications:site_1", func(_ context.Context, _ []byte) error {
		second.Add(1)
		return errors.New("widget render failed")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sub.HandlerCount("notifications:site_1"))

	publishUntil(t, pub, "notifications:site_1", []byte(`{"kind":"notification"}`), func() bool {
		return first.Load() > 0 && second.Load() > 0
	})
}

func TestSubscriber_HandlerPanicIsolated(t *testing.T) {
	t.Parallel()

	client := newTestClient(t)
	pub := pubsub.NewPublisher(client, logging.NewNop())
	sub := pubsub.NewSubscriber(client, logging.NewNop())
	startSubscriber(t, sub)

	var survived atomic.Int64
	_, err := sub.Subscribe(context.Background(), "notifications:site_1", func(context.Context, []byte) error {
		panic("bad payload")
	})
	require.NoError(t, err)
	_, err = sub.Subscribe(context.Background(), "notifications:site_1", func(context.Context, []byte) error {
		survived.Add(1)
		return nil
	})
	require.NoError(t, err)

	publishUntil(t, pub, "notifications:site_1", []byte("x"), func() bool {
		return survived.Load() > 0
	})
}

func TestSubscriber_UnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	client := newTestClient(t)
	sub := pubsub.NewSubscriber(client, logging.NewNop())
	startSubscriber(t, sub)

	cancel, err := sub.Subscribe(context.Background(), "notifications:site_1", func(context.Context, []byte) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sub.HandlerCount("notifications:site_1"))

	cancel()
	assert.Zero(t, sub.HandlerCount("notifications:site_1"))
	cancel() // second removal is a no-op

	require.NoError(t, sub.Unsubscribe(context.Background(), "notifications:site_1"))
	require.NoError(t, sub.Unsubscribe(context.Background(), "notifications:missing"))
}

func TestPublishJSON(t *testing.T) {
	t.Parallel()

	client := newTestClient(t)
	pub := pubsub.NewPublisher(client, logging.NewNop())
	sub := pubsub.NewSubscriber(client, logging.NewNop())
	startSubscriber(t, sub)

	type frame struct {
		Kind string `json:"kind"`
	}
	var got atomic.Value
	_, err := sub.Subscribe(context.Background(), "notifications:site_1", func(_ context.Context, payload []byte) error {
		got.Store(string(payload))
		return nil
	})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := pub.PublishJSON(context.Background(), "notifications:site_1", frame{Kind: "notification"})
		require.NoError(t, err)
		if got.Load() != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, got.Load())
	assert.JSONEq(t, `{"kind":"notification"}`, got.Load().(string))
}
