package resilience

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// closedToken is the state token of a closed circuit. Stores report it for
// providers that have never been written, and CompareAndSwap treats an
// absent key as closedToken.
const closedToken = "closed"

// StateStore holds per-provider circuit state shared by every caller of a
// Breaker. All mutations must be atomic: IncrFailures is an
// increment-and-return and CompareAndSwap is the only way state transitions
// are claimed, so exactly one caller wins each transition.
type StateStore interface {
	// Load returns the provider's state token and failure count.
	Load(ctx context.Context, provider string) (token string, failures int64, err error)
	// CompareAndSwap replaces the state token with next only if it equals old.
	CompareAndSwap(ctx context.Context, provider, old, next string) (bool, error)
	// Store unconditionally sets the state token.
	Store(ctx context.Context, provider, token string) error
	// IncrFailures atomically increments and returns the failure count.
	IncrFailures(ctx context.Context, provider string) (int64, error)
	// ResetFailures sets the failure count to zero.
	ResetFailures(ctx context.Context, provider string) error
}

// circuitToken is the decoded form of a state token.
type circuitToken struct {
	state CircuitState
	since time.Time
}

func encodeToken(state CircuitState, since time.Time) string {
	if state == CircuitClosed {
		return closedToken
	}
	return state.String() + ":" + strconv.FormatInt(since.UnixNano(), 10)
}

func decodeToken(tok string) (circuitToken, bool) {
	if tok == "" || tok == closedToken {
		return circuitToken{state: CircuitClosed}, true
	}
	name, nanos, ok := strings.Cut(tok, ":")
	if !ok {
		return circuitToken{state: CircuitClosed}, false
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return circuitToken{state: CircuitClosed}, false
	}
	switch name {
	case CircuitOpen.String():
		return circuitToken{state: CircuitOpen, since: time.Unix(0, n)}, true
	case CircuitHalfOpen.String():
		return circuitToken{state: CircuitHalfOpen, since: time.Unix(0, n)}, true
	default:
		return circuitToken{state: CircuitClosed}, false
	}
}

// MemoryStateStore is a process-wide StateStore.
type MemoryStateStore struct {
	mu       sync.Mutex
	tokens   map[string]string
	failures map[string]int64
}

// NewMemoryStateStore creates an empty in-process state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		tokens:   make(map[string]string),
		failures: make(map[string]int64),
	}
}

// Load implements StateStore.
func (s *MemoryStateStore) Load(_ context.Context, provider string) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[provider]
	if !ok {
		tok = closedToken
	}
	return tok, s.failures[provider], nil
}

// CompareAndSwap implements StateStore.
func (s *MemoryStateStore) CompareAndSwap(_ context.Context, provider, old, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tokens[provider]
	if !ok {
		cur = closedToken
	}
	if cur != old {
		return false, nil
	}
	s.tokens[provider] = next
	return true, nil
}

// Store implements StateStore.
func (s *MemoryStateStore) Store(_ context.Context, provider, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[provider] = token
	return nil
}

// IncrFailures implements StateStore.
func (s *MemoryStateStore) IncrFailures(_ context.Context, provider string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[provider]++
	return s.failures[provider], nil
}

// ResetFailures implements StateStore.
func (s *MemoryStateStore) ResetFailures(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[provider] = 0
	return nil
}
