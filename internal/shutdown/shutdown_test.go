package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if len(cfg.Signals) != 2 {
		t.Errorf("Signals length = %d, want 2", len(cfg.Signals))
	}
}

func TestHandler_RegisterFunc(t *testing.T) {
	h := New(DefaultConfig())
	called := false

	h.RegisterFunc("test", func() {
		called = true
	})

	h.Shutdown()
	<-h.Done()

	if !called {
		t.Error("Callback was not called")
	}
}

func TestHandler_ContextCancelledOnShutdown(t *testing.T) {
	h := New(DefaultConfig())
	ctx := h.Context()

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before shutdown")
	default:
	}

	var sawCancelled atomic.Bool
	h.Register("job", func(context.Context) error {
		sawCancelled.Store(ctx.Err() != nil)
		return nil
	})

	h.Shutdown()
	if !sawCancelled.Load() {
		t.Error("callbacks should run after the handler context is cancelled")
	}
	if h.Context().Err() == nil {
		t.Error("Context() should be done after Shutdown()")
	}
}

func TestHandler_Shutdown_LIFO(t *testing.T) {
	h := New(DefaultConfig())
	var order []string

	h.RegisterFunc("store", func() { order = append(order, "store") })
	h.RegisterFunc("reporter", func() { order = append(order, "reporter") })
	h.RegisterFunc("server", func() { order = append(order, "server") })

	h.Shutdown()

	want := []string{"server", "reporter", "store"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestHandler_Shutdown_Idempotent(t *testing.T) {
	h := New(DefaultConfig())
	var count atomic.Int32

	h.RegisterFunc("count", func() { count.Add(1) })

	first := h.Shutdown()
	second := h.Shutdown()

	if count.Load() != 1 {
		t.Errorf("callback ran %d times, want 1", count.Load())
	}
	if first != second {
		t.Error("later calls should return the first result")
	}
}

func TestHandler_Shutdown_CollectsErrors(t *testing.T) {
	h := New(DefaultConfig())
	boom := errors.New("boom")

	h.Register("ok", func(context.Context) error { return nil })
	h.Register("fails", func(context.Context) error { return boom })

	result := h.Shutdown()
	if !result.HasErrors() {
		t.Fatal("HasErrors() = false")
	}
	if !errors.Is(result.Errors[0], boom) {
		t.Errorf("Errors[0] = %v", result.Errors[0])
	}
	if h.Result() != result {
		t.Error("Result() should return the finished result")
	}
}

func TestHandler_Timeout(t *testing.T) {
	h := New(Config{Timeout: 50 * time.Millisecond})

	h.Register("slow", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})

	start := time.Now()
	result := h.Shutdown()

	if time.Since(start) > 500*time.Millisecond {
		t.Error("shutdown did not honour its timeout")
	}
	var te *TimeoutError
	if len(result.Errors) != 1 || !errors.As(result.Errors[0], &te) {
		t.Fatalf("Errors = %v, want one TimeoutError", result.Errors)
	}
	if te.CallbackName != "slow" {
		t.Errorf("CallbackName = %q", te.CallbackName)
	}
	if te.Error() != "shutdown callback timed out: slow" {
		t.Errorf("Error() = %q", te.Error())
	}
}

func TestHandler_TriggerWakesWait(t *testing.T) {
	h := New(DefaultConfig())
	done := make(chan *Result, 1)

	go func() {
		done <- h.Wait(context.Background())
	}()

	h.Trigger()

	select {
	case r := <-done:
		if r == nil {
			t.Error("Wait() returned nil result")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not return after Trigger()")
	}
}

func TestHandler_WaitContextCancel(t *testing.T) {
	h := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.Wait(ctx)
	if h.Context().Err() == nil {
		t.Error("Wait() should shut down when its context ends")
	}
}

func TestHandler_WaitAfterShutdown(t *testing.T) {
	h := New(DefaultConfig())
	first := h.Shutdown()

	if got := h.Wait(context.Background()); got != first {
		t.Error("Wait() after Shutdown() should return the existing result")
	}
}

type fakeServer struct {
	stopped atomic.Bool
}

func (s *fakeServer) Shutdown(ctx context.Context) error {
	s.stopped.Store(true)
	return nil
}

func TestHandler_RegisterServer(t *testing.T) {
	h := New(DefaultConfig())
	server := &fakeServer{}

	h.RegisterServer("http", server)
	h.Shutdown()

	if !server.stopped.Load() {
		t.Error("server was not shut down")
	}
}

func TestHandler_Concurrent(t *testing.T) {
	h := New(DefaultConfig())
	var count atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.RegisterFunc("n", func() { count.Add(1) })
		}()
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Shutdown()
		}()
	}
	wg.Wait()

	if count.Load() != 10 {
		t.Errorf("callbacks ran %d times, want 10", count.Load())
	}
}
