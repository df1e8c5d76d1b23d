package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"

	"github.com/outpost-run/outpost/pkg/config"
	"github.com/outpost-run/outpost/pkg/store"
	"github.com/outpost-run/outpost/pkg/types"
)

const (
	// cacheTTL bounds snapshot staleness. Health reads are frequent and
	// the gather touches the store, so snapshots are reused for this long.
	cacheTTL = 30 * time.Second

	// dispatchWindow is the history window the dispatch metrics cover.
	dispatchWindow = time.Hour

	degradedSuccessRate = 80.0
	degradedMemPercent  = 90.0
	degradedCPUPercent  = 95.0
)

// Status is the coarse fleet condition.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// SystemMetrics is the local process host's resource picture.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	MemoryTotalMB uint64  `json:"memory_total_mb"`
}

// AgentHealth is the per-agent slice of a snapshot.
type AgentHealth struct {
	Kind          types.AgentKind `json:"kind"`
	Available     bool            `json:"available"`
	SuccessRate   float64         `json:"success_rate"`
	AvgDurationMS float64         `json:"avg_duration_ms"`
	Idle          int             `json:"idle"`
	InUse         int             `json:"in_use"`
	MaxConcurrent int             `json:"max_concurrent"`
}

// Snapshot is one fleet-health observation.
type Snapshot struct {
	Status     Status                                `json:"status"`
	Agents     []AgentHealth                         `json:"agents"`
	Pools      map[types.AgentKind]types.PoolMetrics `json:"pools"`
	System     SystemMetrics                         `json:"system"`
	Dispatches *types.DispatchMetrics                `json:"dispatches"`
	Uptime     string                                `json:"uptime"`
	Timestamp  time.Time                             `json:"timestamp"`
}

// PoolSource provides warm-pool occupancy.
type PoolSource interface {
	AggregateMetrics() map[types.AgentKind]types.PoolMetrics
}

// Health aggregates pool, dispatch-history, and system metrics into one
// fleet snapshot with bounded staleness.
type Health struct {
	store     store.Store
	pools     PoolSource
	cfg       config.Config
	startTime time.Time

	mu        sync.RWMutex
	cached    *Snapshot
	fetchedAt time.Time

	now func() time.Time
}

// New creates a fleet-health aggregator.
func New(st store.Store, pools PoolSource, cfg config.Config) *Health {
	return &Health{
		store:     st,
		pools:     pools,
		cfg:       cfg,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Snapshot returns the current fleet health, reusing a cached observation
// younger than the staleness bound.
func (h *Health) Snapshot(ctx context.Context) (*Snapshot, error) {
	h.mu.RLock()
	if h.cached != nil && h.now().Sub(h.fetchedAt) < cacheTTL {
		snap := h.cached
		h.mu.RUnlock()
		return snap, nil
	}
	h.mu.RUnlock()

	snap, err := h.gather(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.cached = snap
	h.fetchedAt = h.now()
	h.mu.Unlock()
	return snap, nil
}

func (h *Health) gather(ctx context.Context) (*Snapshot, error) {
	var (
		pools      map[types.AgentKind]types.PoolMetrics
		dispatches *types.DispatchMetrics
		system     SystemMetrics
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pools = h.pools.AggregateMetrics()
		return nil
	})
	g.Go(func() error {
		var err error
		dispatches, err = h.store.Metrics(gctx, dispatchWindow)
		return err
	})
	g.Go(func() error {
		system = collectSystem(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Pools:      pools,
		System:     system,
		Dispatches: dispatches,
		Uptime:     h.now().Sub(h.startTime).Round(time.Second).String(),
		Timestamp:  h.now().UTC(),
	}

	anyAvailable := false
	allAvailable := true
	var rateSum float64
	var rateCount int

	for kind, agentCfg := range h.cfg.Agents {
		pool := pools[kind]
		agent := AgentHealth{
			Kind:          kind,
			Idle:          pool.Idle,
			InUse:         pool.InUse,
			MaxConcurrent: agentCfg.MaxConcurrent,
			Available:     pool.Idle > 0 || pool.InUse < agentCfg.MaxConcurrent,
			SuccessRate:   100,
		}

		if am, ok := dispatches.ByAgent[kind]; ok {
			if done := am.Completed + am.Failed; done > 0 {
				agent.SuccessRate = 100 * float64(am.Completed) / float64(done)
			}
			agent.AvgDurationMS = am.AvgDurationMS
		}

		if agent.Available {
			anyAvailable = true
		} else {
			allAvailable = false
		}
		rateSum += agent.SuccessRate
		rateCount++

		snap.Agents = append(snap.Agents, agent)
	}
	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].Kind < snap.Agents[j].Kind })

	switch {
	case !anyAvailable:
		snap.Status = StatusUnhealthy
	case !allAvailable,
		rateCount > 0 && rateSum/float64(rateCount) < degradedSuccessRate,
		system.MemoryPercent > degradedMemPercent,
		system.CPUPercent > degradedCPUPercent:
		snap.Status = StatusDegraded
	default:
		snap.Status = StatusHealthy
	}
	return snap, nil
}

// collectSystem reads host metrics. Failures degrade to zero values; health
// must not fail because the host stats interface hiccuped.
func collectSystem(ctx context.Context) SystemMetrics {
	var m SystemMetrics
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryPercent = vm.UsedPercent
		m.MemoryUsedMB = vm.Used / 1024 / 1024
		m.MemoryTotalMB = vm.Total / 1024 / 1024
	}
	return m
}
