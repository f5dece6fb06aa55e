package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process, map-backed Repository for tests and
// --no-db development. No teacher file implements an in-memory store
// directly (the teacher always talks to Postgres), so this is grounded on
// the shape of the Repository interface itself plus the teacher's general
// convention of guarding shared maps with a single sync.RWMutex (see
// sessionregistry.Registry).
type Memory struct {
	mu sync.RWMutex

	nodes  map[string]Node
	apps   map[string]App
	proxies map[string]Proxy
	tokens map[string]RegistrationToken
	activity map[string][]ActivityEntry // keyed by ownerID, newest-first
}

// NewMemory constructs an empty in-memory Repository.
func NewMemory() *Memory {
	return &Memory{
		nodes:    make(map[string]Node),
		apps:     make(map[string]App),
		proxies:  make(map[string]Proxy),
		tokens:   make(map[string]RegistrationToken),
		activity: make(map[string][]ActivityEntry),
	}
}

func (m *Memory) CreateNode(ctx context.Context, n Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	m.nodes[n.ID] = n
	return nil
}

func (m *Memory) GetNode(ctx context.Context, id string) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return n, nil
}

func (m *Memory) GetNodeByPublicKey(ctx context.Context, publicKey string) (Node, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes {
		if n.PublicKey == publicKey {
			return n, true, nil
		}
	}
	return Node{}, false, nil
}

func (m *Memory) UpdateNodeStatus(ctx context.Context, id string, status NodeStatus, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("update node status: %w", ErrNotFound)
	}
	n.Status = status
	n.LastSeen = lastSeen
	m.nodes[id] = n
	return nil
}

func (m *Memory) ListNodesByOwner(ctx context.Context, ownerID string) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Node
	for _, n := range m.nodes {
		if n.OwnerID == ownerID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteNode(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
	return nil
}

func (m *Memory) CreateApp(ctx context.Context, a App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.apps[a.ID] = a
	return nil
}

func (m *Memory) GetApp(ctx context.Context, id string) (App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.apps[id]
	if !ok {
		return App{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) FindAppByRepoURL(ctx context.Context, ownerID, repoURL string) (App, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.apps {
		if a.OwnerID == ownerID && a.RepoURL == repoURL {
			return a, true, nil
		}
	}
	return App{}, false, nil
}

func (m *Memory) UpdateAppStatus(ctx context.Context, id string, status AppStatus, commitHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[id]
	if !ok {
		return fmt.Errorf("update app status: %w", ErrNotFound)
	}
	a.Status = status
	if commitHash != "" {
		a.LastCommitHash = commitHash
	}
	m.apps[id] = a
	return nil
}

func (m *Memory) ListAppsByNode(ctx context.Context, nodeID string) ([]App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []App
	for _, a := range m.apps {
		if a.NodeID == nodeID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteApp(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.apps, id)
	return nil
}

func (m *Memory) CreateProxy(ctx context.Context, p Proxy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.proxies {
		if existing.OwnerID == p.OwnerID && existing.Domain == p.Domain {
			return fmt.Errorf("create proxy: domain %q already provisioned for owner", p.Domain)
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.proxies[p.ID] = p
	return nil
}

func (m *Memory) GetProxyByDomain(ctx context.Context, domain string) (Proxy, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.proxies {
		if p.Domain == domain {
			return p, true, nil
		}
	}
	return Proxy{}, false, nil
}

func (m *Memory) ListProxiesByApp(ctx context.Context, appID string) ([]Proxy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Proxy
	for _, p := range m.proxies {
		if p.AppID == appID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) DeleteProxy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.proxies, id)
	return nil
}

func (m *Memory) CreateRegistrationToken(ctx context.Context, t RegistrationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.tokens[t.Value] = t
	return nil
}

// ConsumeRegistrationToken atomically checks validity and marks the token
// used, so two concurrent REGISTER attempts with the same stolen token
// cannot both succeed (spec.md §3: RegistrationToken is single-use).
func (m *Memory) ConsumeRegistrationToken(ctx context.Context, value string) (RegistrationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[value]
	if !ok {
		return RegistrationToken{}, fmt.Errorf("consume registration token: %w", ErrNotFound)
	}
	if t.Used {
		return RegistrationToken{}, fmt.Errorf("registration token already used")
	}
	if time.Now().After(t.ExpiresAt) {
		return RegistrationToken{}, fmt.Errorf("registration token expired")
	}
	t.Used = true
	m.tokens[value] = t
	return t, nil
}

func (m *Memory) PruneExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for value, t := range m.tokens {
		if now.After(t.ExpiresAt) {
			delete(m.tokens, value)
			n++
		}
	}
	return n, nil
}

// AppendActivity inserts at the front, keeping the slice newest-first per
// spec.md §3's ActivityLog ordering.
func (m *Memory) AppendActivity(ctx context.Context, e ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.activity[e.OwnerID] = append([]ActivityEntry{e}, m.activity[e.OwnerID]...)
	return nil
}

func (m *Memory) ListActivity(ctx context.Context, ownerID string, limit int) ([]ActivityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.activity[ownerID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]ActivityEntry, limit)
	copy(out, entries[:limit])
	return out, nil
}

func (m *Memory) TrimActivity(ctx context.Context, ownerID string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.activity[ownerID]
	if len(entries) > keep {
		m.activity[ownerID] = entries[:keep]
	}
	return nil
}
