package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_RunsFn(t *testing.T) {
	p := New(2)
	var ran bool
	err := p.Do(context.Background(), func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Error("fn did not run")
	}
}

func TestDo_PropagatesError(t *testing.T) {
	p := New(1)
	want := errors.New("boom")
	err := p.Do(context.Background(), func() error { return want })
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestDo_BoundsConcurrency(t *testing.T) {
	p := New(2)
	var inFlight, maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Do(context.Background(), func() error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					cur := atomic.LoadInt32(&maxSeen)
					if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen > 2 {
		t.Errorf("max concurrent = %d, want <= 2", maxSeen)
	}
}

func TestDo_ContextCanceledBeforeSlot(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	go p.Do(context.Background(), func() error {
		<-block
		return nil
	})
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Do(ctx, func() error {
		t.Fatal("fn should not run when ctx already canceled and pool full")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	close(block)
}

func TestNew_ZeroSizeDefaultsToOne(t *testing.T) {
	p := New(0)
	if cap(p.sem) != 1 {
		t.Errorf("cap(sem) = %d, want 1", cap(p.sem))
	}
}
