// Package proxypool assigns upstream egress endpoints to sessions.
package proxypool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/session-plane/internal/config"
	"github.com/shehryarbajwa/session-plane/internal/store"
	"github.com/shehryarbajwa/session-plane/pkg/models"
)

// Pool hands out proxy entries round-robin. The index and entry list live
// on the struct so every pool instance is independent.
type Pool struct {
	mu      sync.Mutex
	entries []*models.ProxyEntry
	next    int
	leased  map[string]bool

	store          store.ProxyStore
	exclusive      bool
	minSamples     int
	maxFailureRate float64
	log            *zap.Logger
}

// New creates an empty pool. Call Load to populate it.
func New(ps store.ProxyStore, cfg config.ProxiesConfig, logger *zap.Logger) *Pool {
	return &Pool{
		leased:         make(map[string]bool),
		store:          ps,
		exclusive:      cfg.Exclusive,
		minSamples:     cfg.MinSamples,
		maxFailureRate: cfg.MaxFailureRate,
		log:            logger.Named("proxypool"),
	}
}

// Seed upserts configured entries into the store.
func (p *Pool) Seed(ctx context.Context, entries []models.ProxyEntry) error {
	for i := range entries {
		if err := p.store.UpsertProxy(ctx, &entries[i]); err != nil {
			return fmt.Errorf("failed to seed proxy %s: %w", entries[i].ID, err)
		}
	}
	return nil
}

// Load replaces the in-memory catalog with the store's entries. Leases on
// entries that still exist are kept.
func (p *Pool) Load(ctx context.Context) error {
	entries, err := p.store.ListProxies(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries = entries
	if p.next >= len(entries) {
		p.next = 0
	}
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		known[e.ID] = true
	}
	for id := range p.leased {
		if !known[id] {
			delete(p.leased, id)
		}
	}

	p.log.Info("Proxy catalog loaded", zap.Int("entries", len(entries)))
	return nil
}

// Acquire returns the next active entry. In exclusive mode an entry is
// not handed out again until it is released.
func (p *Pool) Acquire(ctx context.Context) (*models.ProxyEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.entries)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		e := p.entries[idx]
		if !e.IsActive {
			continue
		}
		if p.exclusive && p.leased[e.ID] {
			continue
		}
		p.next = (idx + 1) % n
		p.leased[e.ID] = true
		out := *e
		return &out, nil
	}
	return nil, models.ErrNoProxyAvailable
}

// Release returns an entry to the pool. Unknown or unleased IDs are ignored.
func (p *Pool) Release(entryID string) {
	if entryID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leased, entryID)
}

// Reserve marks an entry as leased without going through rotation. It is
// used to restore leases held by sessions that survived a restart.
func (p *Pool) Reserve(entryID string) {
	if entryID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leased[entryID] = true
}

// ReportOutcome feeds an observed success or failure back into the
// entry's health. Entries whose failure rate exceeds the threshold after
// enough samples are deactivated.
func (p *Pool) ReportOutcome(ctx context.Context, entryID string, ok bool) error {
	p.mu.Lock()
	var entry *models.ProxyEntry
	for _, e := range p.entries {
		if e.ID == entryID {
			entry = e
			break
		}
	}
	if entry == nil {
		p.mu.Unlock()
		return models.ErrProxyNotFound
	}

	if ok {
		entry.SuccessCount++
	} else {
		entry.FailureCount++
	}
	total := entry.SuccessCount + entry.FailureCount
	failureRate := float64(entry.FailureCount) / float64(total)
	entry.HealthScore = 1 - failureRate

	deactivated := false
	if entry.IsActive && total >= p.minSamples && failureRate > p.maxFailureRate {
		entry.IsActive = false
		deactivated = true
	}
	snapshot := *entry
	p.mu.Unlock()

	if deactivated {
		p.log.Warn("Proxy deactivated",
			zap.String("proxy_id", entryID),
			zap.Float64("failure_rate", failureRate),
			zap.Int("samples", total))
	}
	return p.store.UpdateProxyHealth(ctx, &snapshot)
}

// Entries returns a copy of the catalog.
func (p *Pool) Entries() []models.ProxyEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.ProxyEntry, len(p.entries))
	for i, e := range p.entries {
		out[i] = *e
	}
	return out
}
