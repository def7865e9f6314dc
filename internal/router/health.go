package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bekirdag/mcoda/internal/adapter"
	"github.com/bekirdag/mcoda/internal/registry"
)

// HealthProber builds the candidate pool by probing each agent's adapter.
// Probes run concurrently with a short timeout; results are cached for
// the prober's TTL so repeated selections within a job stay cheap.
type HealthProber struct {
	resolver *adapter.Resolver
	skip     bool // MCODA_SKIP_CLI_CHECKS
	ttl      time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]adapter.Health
}

// NewHealthProber creates a prober. With skip set, every agent is
// reported healthy without probing.
func NewHealthProber(resolver *adapter.Resolver, skip bool, logger *slog.Logger) *HealthProber {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthProber{
		resolver: resolver,
		skip:     skip,
		ttl:      time.Minute,
		logger:   logger,
		cache:    make(map[string]adapter.Health),
	}
}

// Candidates probes all agents and returns the candidate pool.
func (p *HealthProber) Candidates(ctx context.Context, agents []*registry.Agent) []Candidate {
	out := make([]Candidate, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		if p.skip {
			out[i] = Candidate{Agent: a, Health: adapter.Healthy}
			continue
		}
		wg.Add(1)
		go func(i int, a *registry.Agent) {
			defer wg.Done()
			out[i] = Candidate{Agent: a, Health: p.probe(ctx, a)}
		}(i, a)
	}
	wg.Wait()
	return out
}

func (p *HealthProber) probe(ctx context.Context, a *registry.Agent) adapter.HealthStatus {
	p.mu.Lock()
	if h, ok := p.cache[a.Slug]; ok && time.Since(h.LastCheckedAt) < p.ttl {
		p.mu.Unlock()
		return h.Status
	}
	p.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	h := p.resolver.Resolve(a.Adapter).HealthCheck(probeCtx)
	if h.LastCheckedAt.IsZero() {
		h.LastCheckedAt = time.Now()
	}

	p.mu.Lock()
	p.cache[a.Slug] = h
	p.mu.Unlock()

	if h.Status == adapter.Unreachable {
		p.logger.Warn("agent unreachable", "agent", a.Slug, "adapter", a.Adapter)
	}
	return h.Status
}
