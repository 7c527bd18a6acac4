package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
)

// ErrPoolExhausted is returned when every port in the configured range is
// either persisted or reserved in flight.
var ErrPoolExhausted = errors.New("tunnel port pool exhausted")

// Number of random draws per remaining free slot before falling back to the
// deterministic probe.
const attemptsPerFreeSlot = 8

// Allocator hands out tunnel ports from an inclusive range. It tracks ports
// that have been handed out but not yet persisted (the in-flight set) so two
// concurrent registrations inside one process can never receive the same
// port. Cross-process uniqueness is the database's unique index on
// tunnel_port, not the allocator's job.
type Allocator struct {
	mu       sync.Mutex
	inFlight map[int]struct{}
	lo       int
	hi       int
}

// NewAllocator creates an Allocator for the inclusive port range [lo, hi].
// Returns an error if the range is invalid (lo > hi, lo < 1, hi > 65535).
func NewAllocator(lo, hi int) (*Allocator, error) {
	if lo > hi {
		return nil, fmt.Errorf("invalid port range: start (%d) must be <= end (%d)", lo, hi)
	}
	if lo < 1 {
		return nil, fmt.Errorf("invalid port range: ports must be >= 1 (start: %d)", lo)
	}
	if hi > 65535 {
		return nil, fmt.Errorf("invalid port range: end port (%d) must be <= 65535", hi)
	}

	a := &Allocator{
		inFlight: make(map[int]struct{}),
		lo:       lo,
		hi:       hi,
	}

	slog.Info("Tunnel port allocator initialized",
		"range_start", lo,
		"range_end", hi,
		"capacity", a.Capacity())

	return a, nil
}

// Capacity returns the total number of ports in the range.
func (a *Allocator) Capacity() int {
	return a.hi - a.lo + 1
}

// Reserve picks a port from the range that is in neither existing nor the
// in-flight set, adds it to the in-flight set and returns it. existing is the
// set of ports already persisted; entries outside the range are ignored.
//
// The caller must call Release exactly once for the returned port, on every
// exit path of the persistence step that follows.
//
// Candidates are drawn uniformly at random, with the number of draws scaled
// to the remaining free capacity; if every draw collides, a descending probe
// from the top of the range picks the first free port, so Reserve fails with
// ErrPoolExhausted only when the pool genuinely has no free port.
func (a *Allocator) Reserve(existing []int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	taken := make(map[int]struct{}, len(existing)+len(a.inFlight))
	for _, p := range existing {
		if p >= a.lo && p <= a.hi {
			taken[p] = struct{}{}
		}
	}
	for p := range a.inFlight {
		taken[p] = struct{}{}
	}

	capacity := a.Capacity()
	free := capacity - len(taken)
	if free <= 0 {
		slog.Error("Port reservation failed: pool exhausted",
			"range_start", a.lo,
			"range_end", a.hi,
			"persisted", len(existing),
			"in_flight", len(a.inFlight))
		return 0, ErrPoolExhausted
	}

	attempts := free * attemptsPerFreeSlot
	for i := 0; i < attempts; i++ {
		candidate := a.lo + rand.IntN(capacity)
		if _, used := taken[candidate]; !used {
			a.inFlight[candidate] = struct{}{}
			slog.Debug("Tunnel port reserved", "port", candidate, "in_flight", len(a.inFlight))
			return candidate, nil
		}
	}

	// Last resort: probe deterministically from the top of the range. A free
	// port is known to exist, so this always terminates with a hit.
	for candidate := a.hi; candidate >= a.lo; candidate-- {
		if _, used := taken[candidate]; !used {
			a.inFlight[candidate] = struct{}{}
			slog.Debug("Tunnel port reserved by probe", "port", candidate, "in_flight", len(a.inFlight))
			return candidate, nil
		}
	}

	return 0, ErrPoolExhausted
}

// Release removes a port from the in-flight set. Releasing a port that is not
// reserved is a safe no-op; it logs a warning since it indicates a bookkeeping
// bug in the caller.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.inFlight[port]; !exists {
		slog.Warn("Attempted to release port that was not in flight", "port", port)
		return
	}
	delete(a.inFlight, port)
	slog.Debug("Tunnel port reservation released", "port", port, "in_flight", len(a.inFlight))
}

// InFlight returns a snapshot of the ports currently reserved but not yet
// persisted. For diagnostics; the returned slice is a copy.
func (a *Allocator) InFlight() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	ports := make([]int, 0, len(a.inFlight))
	for p := range a.inFlight {
		ports = append(ports, p)
	}
	return ports
}
