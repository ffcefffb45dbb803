package portpool

import (
	"sync"
	"testing"
)

func TestAllocateReturnsLowestFirst(t *testing.T) {
	p, err := New(9000, 9002)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got != 9000 {
		t.Errorf("Allocate() = %d, want 9000", got)
	}

	got, err = p.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got != 9001 {
		t.Errorf("Allocate() = %d, want 9001", got)
	}
}

func TestAllocateExhausted(t *testing.T) {
	p, _ := New(9000, 9000)
	if _, err := p.Allocate(); err != nil {
		t.Fatalf("first Allocate should succeed: %v", err)
	}
	if _, err := p.Allocate(); err == nil {
		t.Error("second Allocate should fail with the pool exhausted")
	}
}

func TestReleaseMakesPortReusable(t *testing.T) {
	p, _ := New(9000, 9000)
	port, _ := p.Allocate()
	p.Release(port)

	got, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if got != port {
		t.Errorf("Allocate after release = %d, want %d", got, port)
	}
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	p, _ := New(9000, 9001)
	port, _ := p.Allocate()
	p.Release(port)
	p.Release(port) // must not panic or corrupt the free set

	if p.InUseCount() != 0 {
		t.Errorf("InUseCount() = %d, want 0", p.InUseCount())
	}
}

func TestReleaseOutOfRangeIsNoop(t *testing.T) {
	p, _ := New(9000, 9000)
	p.Release(1234) // never allocated, must be a no-op
	if got, err := p.Allocate(); err != nil || got != 9000 {
		t.Errorf("pool state corrupted by out-of-range release: got=%d err=%v", got, err)
	}
}

func TestInvalidRange(t *testing.T) {
	if _, err := New(9001, 9000); err == nil {
		t.Error("New with end < start should error")
	}
}

func TestConcurrentAllocateRelease(t *testing.T) {
	p, _ := New(9000, 9099)
	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			port, err := p.Allocate()
			if err != nil {
				return
			}
			p.Release(port)
		}()
	}
	wg.Wait()

	if p.InUseCount() != 0 {
		t.Errorf("InUseCount() = %d after all workers released, want 0", p.InUseCount())
	}
}
