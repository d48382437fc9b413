package surface

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestHostOpenConcurrentSameID(t *testing.T) {
	var created atomic.Int32
	h := &Host{logger: testLogger(), pages: make(map[string]*Page)}
	h.create = func(_ context.Context, id string) (*Page, error) {
		created.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &Page{id: id, logger: h.logger}, nil
	}

	const callers = 8
	pages := make([]*Page, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := h.Open(context.Background(), "main")
			if err != nil {
				t.Errorf("Open: %v", err)
				return
			}
			pages[i] = p
		}(i)
	}
	wg.Wait()

	if n := created.Load(); n != 1 {
		t.Errorf("created %d pages for one id, want 1", n)
	}
	for i, p := range pages {
		if p != pages[0] {
			t.Errorf("caller %d got a different page", i)
		}
	}
}

func TestHostOpenFailureIsNotCached(t *testing.T) {
	fail := true
	h := &Host{logger: testLogger(), pages: make(map[string]*Page)}
	h.create = func(_ context.Context, id string) (*Page, error) {
		if fail {
			return nil, errors.New("target crashed")
		}
		return &Page{id: id, logger: h.logger}, nil
	}

	if _, err := h.Open(context.Background(), "main"); err == nil {
		t.Fatal("expected error")
	}
	fail = false
	p, err := h.Open(context.Background(), "main")
	if err != nil || p.ID() != "main" {
		t.Fatalf("retry Open = %v, %v", p, err)
	}
}
