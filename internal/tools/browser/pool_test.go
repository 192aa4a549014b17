package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRenderer struct {
	id     int
	fail   bool
	closed atomic.Bool
}

func (f *fakeRenderer) Render(ctx context.Context, url string) (string, error) {
	if f.fail {
		return "", errors.New("navigation failed")
	}
	return "<p>" + url + "</p>", nil
}

func (f *fakeRenderer) Close() error {
	f.closed.Store(true)
	return nil
}

type launcher struct {
	mu        sync.Mutex
	renderers []*fakeRenderer
	fail      bool
}

func (l *launcher) launch() (renderer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := &fakeRenderer{id: len(l.renderers), fail: l.fail}
	l.renderers = append(l.renderers, r)
	return r, nil
}

func (l *launcher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.renderers)
}

func TestConfigWithDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{"zero", Config{}, Config{MaxInstances: 2, Timeout: 15 * time.Second}},
		{"kept", Config{MaxInstances: 4, Timeout: time.Second, Headed: true}, Config{MaxInstances: 4, Timeout: time.Second, Headed: true}},
		{"negative", Config{MaxInstances: -1, Timeout: -time.Second}, Config{MaxInstances: 2, Timeout: 15 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.withDefaults(); got != tt.want {
				t.Fatalf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPoolReusesBrowsers(t *testing.T) {
	l := &launcher{}
	pool := newPool(Config{MaxInstances: 2}, nil, l.launch, nil)

	for range 3 {
		html, err := pool.Fetch(context.Background(), "https://example.com")
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if html != "<p>https://example.com</p>" {
			t.Fatalf("Fetch() = %q", html)
		}
	}
	if got := l.launched(); got != 1 {
		t.Fatalf("launched = %d, want 1", got)
	}
}

func TestPoolWaitsAtMaxInstances(t *testing.T) {
	l := &launcher{}
	pool := newPool(Config{MaxInstances: 1}, nil, l.launch, nil)

	held, err := pool.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Fetch(ctx, "https://example.com"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Fetch() error = %v, want deadline exceeded", err)
	}

	pool.release(held)
	if _, err := pool.Fetch(context.Background(), "https://example.com"); err != nil {
		t.Fatalf("Fetch() after release error = %v", err)
	}
	if got := l.launched(); got != 1 {
		t.Fatalf("launched = %d, want 1", got)
	}
}

func TestPoolDiscardsBrowserAfterFailure(t *testing.T) {
	l := &launcher{fail: true}
	pool := newPool(Config{MaxInstances: 1}, nil, l.launch, nil)

	if _, err := pool.Fetch(context.Background(), "https://example.com"); err == nil {
		t.Fatal("expected render error")
	}
	if !l.renderers[0].closed.Load() {
		t.Fatal("failed browser should be closed")
	}
	if _, err := pool.Fetch(context.Background(), "https://example.com"); err == nil {
		t.Fatal("expected render error")
	}
	if got := l.launched(); got != 2 {
		t.Fatalf("launched = %d, want 2", got)
	}
}

func TestPoolLaunchFailureFreesSlot(t *testing.T) {
	calls := 0
	pool := newPool(Config{MaxInstances: 1}, nil, func() (renderer, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("no chromium")
		}
		return &fakeRenderer{}, nil
	}, nil)

	if _, err := pool.Fetch(context.Background(), "https://example.com"); err == nil {
		t.Fatal("expected launch error")
	}
	if _, err := pool.Fetch(context.Background(), "https://example.com"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
}

func TestPoolClose(t *testing.T) {
	l := &launcher{}
	stopped := 0
	pool := newPool(Config{MaxInstances: 2}, nil, l.launch, func() error {
		stopped++
		return nil
	})

	if _, err := pool.Fetch(context.Background(), "https://example.com"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	busy, err := pool.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if stopped != 1 {
		t.Fatalf("stop calls = %d, want 1", stopped)
	}
	if _, err := pool.Fetch(context.Background(), "https://example.com"); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Fetch() after Close error = %v", err)
	}

	pool.release(busy)
	for _, r := range l.renderers {
		if !r.closed.Load() {
			t.Errorf("browser %d not closed", r.id)
		}
	}
}
