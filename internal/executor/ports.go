package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"
)

// ErrNoFreePort is returned when the allocator exhausts its attempt budget.
var ErrNoFreePort = errors.New("no-free-port")

const (
	probeAttempts    = 200
	probeConcurrency = 50
	probeTimeout     = 250 * time.Millisecond

	// Recently handed-out ports are skipped until the deployment record
	// catches up and reports them as in use.
	reserveTTL = 30 * time.Second
)

// PortAllocator picks free host TCP ports in a configured range by
// randomized probing.
type PortAllocator struct {
	Min int
	Max int

	mu       sync.Mutex
	reserved map[int]time.Time
}

// NewPortAllocator creates an allocator for [min, max].
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{Min: min, Max: max, reserved: make(map[int]time.Time)}
}

// Allocate returns a free port not present in used, probing random
// candidates in bounded-concurrency batches. Exhausting the attempt budget
// yields ErrNoFreePort.
func (a *PortAllocator) Allocate(ctx context.Context, used map[int]bool) (int, error) {
	candidates := a.candidates(used)
	if len(candidates) == 0 {
		return 0, ErrNoFreePort
	}

	tried := 0
	for start := 0; start < len(candidates) && tried < probeAttempts; start += probeConcurrency {
		end := start + probeConcurrency
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]
		tried += len(batch)

		if port := probeBatch(ctx, batch); port != 0 {
			a.reserve(port)
			return port, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	return 0, ErrNoFreePort
}

// Release drops a reservation early, for builds that fail after allocation.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}

// candidates returns the shuffled probe order, skipping used and recently
// reserved ports.
func (a *PortAllocator) candidates(used map[int]bool) []int {
	a.mu.Lock()
	now := time.Now()
	for port, at := range a.reserved {
		if now.Sub(at) > reserveTTL {
			delete(a.reserved, port)
		}
	}
	reserved := make(map[int]bool, len(a.reserved))
	for port := range a.reserved {
		reserved[port] = true
	}
	a.mu.Unlock()

	out := make([]int, 0, a.Max-a.Min+1)
	for p := a.Min; p <= a.Max; p++ {
		if !used[p] && !reserved[p] {
			out = append(out, p)
		}
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func (a *PortAllocator) reserve(port int) {
	a.mu.Lock()
	a.reserved[port] = time.Now()
	a.mu.Unlock()
}

// probeBatch checks a batch of candidates concurrently and returns the
// first free one, or 0.
func probeBatch(ctx context.Context, batch []int) int {
	results := make(chan int, len(batch))
	var wg sync.WaitGroup
	for _, port := range batch {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			if portFree(ctx, p) {
				results <- p
			}
		}(port)
	}
	wg.Wait()
	close(results)

	if port, ok := <-results; ok {
		return port
	}
	return 0
}

// portFree reports whether the port can be bound on loopback right now.
func portFree(ctx context.Context, port int) bool {
	var lc net.ListenConfig
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	ln, err := lc.Listen(probeCtx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
