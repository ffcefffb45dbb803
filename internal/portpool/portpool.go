// Package portpool hands out host TCP ports for persistent sandboxes from a
// configured inclusive range: a single mutex-guarded pool of a scarce
// resource, free and in-use sets kept in lock-step. Allocate never blocks —
// port exhaustion must surface to the HTTP caller as 503, not stall the
// request goroutine waiting for a release.
package portpool

import (
	"fmt"
	"sync"

	"github.com/vaderyang/voidrun/internal/apierr"
)

// Pool is a mutex-protected set of free/in-use host ports. Release is
// constant-time; Allocate scans the range in ascending order, so its cost
// grows with the size of the range.
type Pool struct {
	mu     sync.Mutex
	free   map[int]struct{}
	inUse  map[int]struct{}
	lowest []int // every port in the range, ascending; free decides availability
}

// New constructs a Pool covering [start, end] inclusive.
func New(start, end int) (*Pool, error) {
	if end < start {
		return nil, fmt.Errorf("portpool: invalid range %d-%d", start, end)
	}
	p := &Pool{
		free:  map[int]struct{}{},
		inUse: map[int]struct{}{},
	}
	for port := start; port <= end; port++ {
		p.free[port] = struct{}{}
		p.lowest = append(p.lowest, port)
	}
	return p, nil
}

// Allocate removes and returns the lowest free port. It fails immediately
// with a ResourceExhausted *apierr.Error if the pool is empty — it
// deliberately never blocks waiting for a release.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, port := range p.lowest {
		if _, ok := p.free[port]; ok {
			delete(p.free, port)
			p.inUse[port] = struct{}{}
			return port, nil
		}
	}
	return 0, apierr.New(apierr.ResourceExhausted, "port allocator exhausted")
}

// Release returns port to the free set. Double-release and releasing a port
// outside the configured range are both no-ops.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inUse[port]; !ok {
		return
	}
	delete(p.inUse, port)
	p.free[port] = struct{}{}
}

// InUseCount reports the number of currently allocated ports, used by tests
// checking the port-conservation invariant against the registry.
func (p *Pool) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
