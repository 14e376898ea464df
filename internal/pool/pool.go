// Package pool tracks execution contexts by strategy and fingerprint so that
// compatible work reuses a context instead of provisioning a new one.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/isolane/internal/backend"
	"github.com/seantiz/isolane/internal/model"
)

const (
	// DefaultMaxPerKey is the number of contexts allowed per key when the
	// configuration leaves it unset.
	DefaultMaxPerKey = 1

	destroyTimeout = 10 * time.Second
)

// ErrClosed is returned by Acquire once Shutdown has started.
var ErrClosed = errors.New("pool is shut down")

// Key identifies compatible contexts: two requests share a context only when
// both fields are equal.
type Key struct {
	Strategy    model.Strategy `json:"strategy"`
	Fingerprint string         `json:"fingerprint"`
}

func (k Key) String() string {
	fp := k.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return string(k.Strategy) + "/" + fp
}

// KeyFor derives the pool key of spec under strategy.
func KeyFor(strategy model.Strategy, spec model.WorkSpec) Key {
	return Key{Strategy: strategy, Fingerprint: backend.Fingerprint(spec)}
}

// ProvisioningError reports that a context could not be created. Nothing is
// registered in the pool when it is returned.
type ProvisioningError struct {
	Key Key
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision %s context: %v", e.Key.Strategy, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Health is the health of a tracked context.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthPoisoned Health = "poisoned"
)

// Outcome is what a run reports about the context it used.
type Outcome int

const (
	// OutcomeClean returns the context to the idle set.
	OutcomeClean Outcome = iota
	// OutcomePoisoned means the context's state is unknown; it is destroyed.
	OutcomePoisoned
)

func (o Outcome) String() string {
	if o == OutcomePoisoned {
		return "poisoned"
	}
	return "clean"
}

// Config controls pool limits.
type Config struct {
	// MaxPerKey caps live plus provisioning contexts per key. Callers beyond
	// the cap wait for a release.
	MaxPerKey int
}

type execContext struct {
	id        string
	key       Key
	handle    backend.Handle
	refs      int
	uses      int
	health    Health
	destroyed bool
	createdAt time.Time
	lastUsed  time.Time
}

// Lease is one successful Acquire. It must be passed to Release exactly once.
type Lease struct {
	ContextID string
	Handle    backend.Handle

	ec       *execContext
	released bool
}

// Pool owns every non-inline execution context.
type Pool struct {
	providers *backend.Registry
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[Key][]*execContext
	pending map[Key]int
	// all holds every context not yet destroyed, including poisoned contexts
	// still in use, so Shutdown can reach them.
	all    map[string]*execContext
	closed bool
	// changed is closed and replaced whenever capacity may have freed up.
	changed chan struct{}
}

// New creates a pool provisioning contexts from providers.
func New(providers *backend.Registry, cfg Config, logger *slog.Logger) *Pool {
	if cfg.MaxPerKey <= 0 {
		cfg.MaxPerKey = DefaultMaxPerKey
	}
	return &Pool{
		providers: providers,
		cfg:       cfg,
		logger:    logger,
		entries:   make(map[Key][]*execContext),
		pending:   make(map[Key]int),
		all:       make(map[string]*execContext),
		changed:   make(chan struct{}),
	}
}

// Acquire returns a context for key. An idle healthy context (or a multi-use
// one) with the same key is reused; otherwise a new one is provisioned if the
// key is under its limit. When the key is at its limit Acquire blocks until a
// context is released or ctx is done.
//
// Inline work gets the provider's sentinel context, which the pool never tracks.
func (p *Pool) Acquire(ctx context.Context, key Key, spec model.WorkSpec) (*Lease, error) {
	prov, err := p.providers.Provider(key.Strategy)
	if err != nil {
		return nil, &ProvisioningError{Key: key, Err: err}
	}

	if key.Strategy == model.StrategyInline {
		h, err := prov.Provision(ctx, spec)
		if err != nil {
			return nil, &ProvisioningError{Key: key, Err: err}
		}
		return &Lease{ContextID: h.ID(), Handle: h}, nil
	}

	start := time.Now()
	strategy := string(key.Strategy)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		ec, dead := p.findLocked(key)
		if len(dead) > 0 {
			p.notifyLocked()
		}
		if ec != nil {
			ec.refs++
			ec.uses++
			ec.lastUsed = time.Now()
			lease := &Lease{ContextID: ec.id, Handle: ec.handle, ec: ec}
			p.mu.Unlock()
			p.destroyAll(dead)

			contextsReused.WithLabelValues(strategy).Inc()
			acquireWait.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
			p.logger.Debug("context reused", "context_id", ec.id, "key", key.String())
			return lease, nil
		}

		if len(p.entries[key])+p.pending[key] < p.cfg.MaxPerKey {
			p.pending[key]++
			p.mu.Unlock()
			p.destroyAll(dead)
			return p.provision(ctx, key, prov, spec, start)
		}

		wait := p.changed
		p.mu.Unlock()
		p.destroyAll(dead)

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// findLocked returns a reusable context for key, or nil. Contexts whose host
// has died are poisoned and dropped from the key on the way; those no longer
// in use are returned as dead for the caller to destroy after unlocking.
func (p *Pool) findLocked(key Key) (found *execContext, dead []*execContext) {
	for _, ec := range slices.Clone(p.entries[key]) {
		if ec.health != HealthHealthy {
			continue
		}
		if !ec.handle.Alive() {
			ec.health = HealthPoisoned
			p.removeLocked(ec)
			contextsPoisoned.WithLabelValues(string(key.Strategy)).Inc()
			p.logger.Warn("context died while pooled", "context_id", ec.id, "key", key.String())
			if ec.refs == 0 {
				p.forgetLocked(ec)
				dead = append(dead, ec)
			}
			continue
		}
		if found == nil && (ec.refs == 0 || ec.handle.MultiUse()) {
			found = ec
		}
	}
	return found, dead
}

// provision creates a context in a slot already reserved in p.pending.
func (p *Pool) provision(ctx context.Context, key Key, prov backend.Provider, spec model.WorkSpec, start time.Time) (*Lease, error) {
	strategy := string(key.Strategy)
	h, err := prov.Provision(ctx, spec)

	p.mu.Lock()
	p.pending[key]--
	if p.pending[key] == 0 {
		delete(p.pending, key)
	}

	if err != nil {
		p.notifyLocked()
		p.mu.Unlock()
		provisionFailures.WithLabelValues(strategy).Inc()
		p.logger.Warn("context provisioning failed", "key", key.String(), "error", err)
		return nil, &ProvisioningError{Key: key, Err: err}
	}

	if p.closed {
		p.notifyLocked()
		p.mu.Unlock()
		p.destroy(&execContext{id: h.ID(), key: key, handle: h})
		return nil, ErrClosed
	}

	now := time.Now()
	ec := &execContext{
		id:        h.ID(),
		key:       key,
		handle:    h,
		refs:      1,
		uses:      1,
		health:    HealthHealthy,
		createdAt: now,
		lastUsed:  now,
	}
	p.entries[key] = append(p.entries[key], ec)
	p.all[ec.id] = ec
	p.mu.Unlock()

	liveContexts.WithLabelValues(strategy).Inc()
	contextsProvisioned.WithLabelValues(strategy).Inc()
	acquireWait.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
	p.logger.Info("context provisioned", "context_id", ec.id, "key", key.String())
	return &Lease{ContextID: ec.id, Handle: h, ec: ec}, nil
}

// Release ends lease. A poisoned outcome removes the context from the pool at
// once, so no later Acquire can return it, and destroys it when its last user
// has released it.
func (p *Pool) Release(lease *Lease, outcome Outcome) {
	if lease == nil || lease.ec == nil {
		return
	}
	ec := lease.ec

	p.mu.Lock()
	if lease.released {
		p.mu.Unlock()
		p.logger.Warn("lease released twice", "context_id", ec.id)
		return
	}
	lease.released = true
	ec.refs--
	ec.lastUsed = time.Now()

	if outcome == OutcomePoisoned && ec.health == HealthHealthy {
		ec.health = HealthPoisoned
		p.removeLocked(ec)
		contextsPoisoned.WithLabelValues(string(ec.key.Strategy)).Inc()
		p.logger.Info("context poisoned", "context_id", ec.id, "key", ec.key.String())
	}

	var destroy bool
	if ec.health == HealthPoisoned && ec.refs == 0 && !ec.destroyed {
		p.forgetLocked(ec)
		destroy = true
	}
	p.notifyLocked()
	p.mu.Unlock()

	if destroy {
		p.destroy(ec)
	}
}

// EvictIdle destroys healthy contexts that have been idle for longer than
// olderThan, and idle contexts whose host has died, and returns how many it
// destroyed.
func (p *Pool) EvictIdle(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	p.mu.Lock()
	var victims []*execContext
	for _, list := range p.entries {
		for _, ec := range list {
			if ec.refs == 0 && (ec.lastUsed.Before(cutoff) || !ec.handle.Alive()) {
				victims = append(victims, ec)
			}
		}
	}
	for _, ec := range victims {
		p.removeLocked(ec)
		p.forgetLocked(ec)
	}
	if len(victims) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	for _, ec := range victims {
		p.logger.Info("evicting idle context", "context_id", ec.id, "key", ec.key.String())
		p.destroy(ec)
	}
	return len(victims)
}

// RunReaper calls EvictIdle every interval until ctx is done.
func (p *Pool) RunReaper(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.EvictIdle(idleTimeout)
		}
	}
}

// Shutdown closes the pool and destroys every tracked context, in use or not.
// Destruction errors do not stop the remaining contexts from being destroyed;
// they are logged and returned joined. Later calls return nil.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	victims := make([]*execContext, 0, len(p.all))
	for _, ec := range p.all {
		victims = append(victims, ec)
	}
	for _, ec := range victims {
		p.removeLocked(ec)
		p.forgetLocked(ec)
	}
	p.notifyLocked()
	p.mu.Unlock()

	var errs []error
	for _, ec := range victims {
		if err := ec.handle.Destroy(ctx); err != nil {
			p.logger.Error("destroy context during shutdown", "context_id", ec.id, "error", err)
			errs = append(errs, fmt.Errorf("destroy context %s: %w", ec.id, err))
		}
	}
	p.logger.Info("pool shut down", "destroyed", len(victims), "errors", len(errs))
	return errors.Join(errs...)
}

// ContextInfo describes a tracked context.
type ContextInfo struct {
	ID          string         `json:"id"`
	Strategy    model.Strategy `json:"strategy"`
	Fingerprint string         `json:"fingerprint"`
	Health      Health         `json:"health"`
	InUse       int            `json:"in_use"`
	Uses        int            `json:"uses"`
	MultiUse    bool           `json:"multi_use"`
	CreatedAt   time.Time      `json:"created_at"`
	LastUsed    time.Time      `json:"last_used"`
}

// Snapshot lists every tracked context, oldest first.
func (p *Pool) Snapshot() []ContextInfo {
	p.mu.Lock()
	out := make([]ContextInfo, 0, len(p.all))
	for _, ec := range p.all {
		out = append(out, ContextInfo{
			ID:          ec.id,
			Strategy:    ec.key.Strategy,
			Fingerprint: ec.key.Fingerprint,
			Health:      ec.health,
			InUse:       ec.refs,
			Uses:        ec.uses,
			MultiUse:    ec.handle.MultiUse(),
			CreatedAt:   ec.createdAt,
			LastUsed:    ec.lastUsed,
		})
	}
	p.mu.Unlock()

	slices.SortFunc(out, func(a, b ContextInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// removeLocked takes ec out of the reusable set.
func (p *Pool) removeLocked(ec *execContext) {
	list := p.entries[ec.key]
	if i := slices.Index(list, ec); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(p.entries, ec.key)
	} else {
		p.entries[ec.key] = list
	}
}

// forgetLocked marks ec destroyed and stops tracking it.
func (p *Pool) forgetLocked(ec *execContext) {
	ec.destroyed = true
	delete(p.all, ec.id)
	liveContexts.WithLabelValues(string(ec.key.Strategy)).Dec()
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) destroyAll(ecs []*execContext) {
	for _, ec := range ecs {
		p.destroy(ec)
	}
}

func (p *Pool) destroy(ec *execContext) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := ec.handle.Destroy(ctx); err != nil {
		p.logger.Error("destroy context", "context_id", ec.id, "error", err)
		return
	}
	p.logger.Debug("context destroyed", "context_id", ec.id)
}
