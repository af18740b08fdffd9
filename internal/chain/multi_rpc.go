package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MultiAPIClient spreads calls across several API endpoints and moves to the
// next one after failThreshold consecutive failures.
type MultiAPIClient struct {
	clients       []*APIClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiAPIClient(endpoints []string, apiKey string, failThreshold int) (*MultiAPIClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("ton api endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*APIClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewAPIClient(ep, apiKey))
	}
	return &MultiAPIClient{
		clients:       clients,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiAPIClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].baseURL
}

func (m *MultiAPIClient) Transactions(ctx context.Context, address string, limit int, from *Cursor) ([]Tx, error) {
	return withFailover(ctx, m, func(c *APIClient) ([]Tx, error) {
		return c.Transactions(ctx, address, limit, from)
	})
}

// withFailover starts at the preferred endpoint and walks the rest on error.
// The preferred endpoint only changes after failThreshold consecutive failures.
func withFailover[T any](ctx context.Context, m *MultiAPIClient, call func(*APIClient) (T, error)) (T, error) {
	var zero T
	var lastErr error
	_, start := m.currentClient()
	for attempts := 0; attempts < len(m.clients); attempts++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		idx := (start + attempts) % len(m.clients)
		out, err := call(m.clients[idx])
		if err == nil {
			m.resetFailures(idx)
			return out, nil
		}
		lastErr = err
		m.noteFailure(idx)
		if m.shouldRotate() {
			m.rotate()
		}
	}
	return zero, lastErr
}

func (m *MultiAPIClient) currentClient() (*APIClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiAPIClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiAPIClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiAPIClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiAPIClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
