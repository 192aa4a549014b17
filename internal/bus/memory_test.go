package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryBus_FIFOPerSubscriber(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()
	topic := ContentTopic("t1", "r1")

	first, err := b.Subscribe(ctx, topic)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Subscribe(ctx, topic)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		if err := b.Publish(ctx, topic, []byte(fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
	for _, sub := range []Subscription{first, second} {
		for i := 0; i < 100; i++ {
			payload, err := sub.Next(ctx, time.Second)
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if string(payload) != fmt.Sprint(i) {
				t.Fatalf("payload %d = %q", i, payload)
			}
		}
	}
}

func TestMemoryBus_NoBacklog(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()
	topic := StatusTopic("t1")

	if err := b.Publish(ctx, topic, []byte("early")); err != nil {
		t.Fatal(err)
	}
	sub, err := b.Subscribe(ctx, topic)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sub.Next(ctx, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Next() error = %v, want ErrTimeout", err)
	}
}

func TestMemoryBus_TopicsAreIsolated(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()
	sub, _ := b.Subscribe(ctx, ContentTopic("t1", "r1"))
	_ = b.Publish(ctx, ContentTopic("t1", "r2"), []byte("other run"))
	if _, err := sub.Next(ctx, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Next() error = %v, want ErrTimeout", err)
	}
}

func TestMemoryBus_WakesWaitingSubscriber(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()
	topic := ContentTopic("t1", "r1")
	sub, _ := b.Subscribe(ctx, topic)

	var wg sync.WaitGroup
	wg.Add(1)
	var got []byte
	var gotErr error
	go func() {
		defer wg.Done()
		got, gotErr = sub.Next(ctx, 2*time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	_ = b.Publish(ctx, topic, []byte("hi"))
	wg.Wait()
	if gotErr != nil || string(got) != "hi" {
		t.Fatalf("Next() = %q, %v", got, gotErr)
	}
}

func TestMemoryBus_Close(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()
	topic := ContentTopic("t1", "r1")
	sub, _ := b.Subscribe(ctx, topic)

	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if b.Subscribers(topic) != 0 {
		t.Fatalf("subscribers = %d", b.Subscribers(topic))
	}
	if _, err := sub.Next(ctx, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("Next() after Close = %v", err)
	}

	other, _ := b.Subscribe(ctx, topic)
	_ = b.Close()
	if _, err := other.Next(ctx, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("Next() after bus Close = %v", err)
	}
	if err := b.Publish(ctx, topic, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish() after Close = %v", err)
	}
	if _, err := b.Subscribe(ctx, topic); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe() after Close = %v", err)
	}
}

func TestMemoryBus_ContextCancel(t *testing.T) {
	b := NewMemoryBus()
	sub, _ := b.Subscribe(context.Background(), StatusTopic("t1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sub.Next(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next() = %v, want context.Canceled", err)
	}
}
