package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/b-open-io/livefeed/feed"
)

func recv(t *testing.T, ch <-chan feed.Event) feed.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed while waiting for an event")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
		return feed.Event{}
	}
}

func TestChannelBusFanOut(t *testing.T) {
	cb := NewChannelBus()
	defer cb.Close()
	ctx := context.Background()

	a, err := cb.Subscribe(ctx, []string{"prices"})
	require.NoError(t, err)
	b, err := cb.Subscribe(ctx, []string{"prices", "trades"})
	require.NoError(t, err)

	require.NoError(t, cb.Publish(ctx, feed.Event{Topic: "prices", Sequence: 1}))
	require.Equal(t, uint64(1), recv(t, a).Sequence)
	require.Equal(t, uint64(1), recv(t, b).Sequence)

	require.NoError(t, cb.Publish(ctx, feed.Event{Topic: "trades", Sequence: 7}))
	require.Equal(t, "trades", recv(t, b).Topic)
	select {
	case ev := <-a:
		t.Fatalf("subscriber got event for a topic it never asked for: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelBusContextCancelUnsubscribes(t *testing.T) {
	cb := NewChannelBus()
	defer cb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := cb.Subscribe(ctx, []string{"prices"})
	require.NoError(t, err)

	cancel()
	for {
		if _, ok := <-ch; !ok {
			break
		}
	}

	// Publishing after the unsubscribe must not panic or block.
	require.NoError(t, cb.Publish(context.Background(), feed.Event{Topic: "prices", Sequence: 1}))
}

func TestChannelBusSlowSubscriberDropped(t *testing.T) {
	cb := NewChannelBus()
	defer cb.Close()
	ctx := context.Background()

	_, err := cb.Subscribe(ctx, []string{"prices"})
	require.NoError(t, err)

	// Overflow the buffered channel; Publish never blocks.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			cb.Publish(ctx, feed.Event{Topic: "prices", Sequence: uint64(i + 1)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

// Publishing must never race a departing subscriber onto its closed channel.
func TestChannelBusPublishSubscribeChurn(t *testing.T) {
	cb := NewChannelBus()
	defer cb.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var seq uint64
		for {
			select {
			case <-stop:
				return
			default:
				seq++
				cb.Publish(context.Background(), feed.Event{Topic: "prices", Sequence: seq})
			}
		}
	}()

	// Subscribers come and go while the publisher runs; a send on a closed
	// channel would panic the publisher goroutine.
	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := cb.Subscribe(ctx, []string{"prices"})
		require.NoError(t, err)
		cancel()
		for range ch {
		}
	}

	close(stop)
	wg.Wait()
}

func TestChannelBusSubscribeAfterClose(t *testing.T) {
	cb := NewChannelBus()
	require.NoError(t, cb.Close())

	ch, err := cb.Subscribe(context.Background(), []string{"prices"})
	require.NoError(t, err)
	_, ok := <-ch
	require.False(t, ok, "post-close subscription yields a closed channel")
}

func TestCreateBusSelectsBackend(t *testing.T) {
	b, err := CreateBus("")
	require.NoError(t, err)
	require.IsType(t, &ChannelBus{}, b)
	b.Close()

	b, err = CreateBus("channels://")
	require.NoError(t, err)
	require.IsType(t, &ChannelBus{}, b)
	b.Close()

	_, err = CreateBus("amqp://nope")
	require.Error(t, err)
}

func TestRedisBus(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	rb, err := NewRedisBus(url)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer rb.Close()

	topic := fmt.Sprintf("bus-test-%d", os.Getpid())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := rb.Subscribe(ctx, []string{topic})
	require.NoError(t, err)

	// Redis pub/sub has no history; give the subscription a moment to settle.
	time.Sleep(100 * time.Millisecond)

	want := feed.Event{Topic: topic, Sequence: 3, Payload: json.RawMessage(`{"n":3}`)}
	require.NoError(t, rb.Publish(ctx, want))

	got := recv(t, ch)
	require.Equal(t, want.Topic, got.Topic)
	require.Equal(t, want.Sequence, got.Sequence)
	require.JSONEq(t, string(want.Payload), string(got.Payload))
}
