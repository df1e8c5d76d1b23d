package warmpool

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/outpost-run/outpost/pkg/config"
	"github.com/outpost-run/outpost/pkg/log"
	"github.com/outpost-run/outpost/pkg/metrics"
	"github.com/outpost-run/outpost/pkg/types"
)

// reapInterval is how often the reaper visits every pool.
const reapInterval = 1 * time.Minute

// Pool owns the warm slots of one agent kind. All state is guarded by the
// pool mutex; slots are handed out exclusively, so no slot is ever visible
// to two dispatches at once.
type Pool struct {
	mu    sync.Mutex
	kind  types.AgentKind
	cfg   config.AgentConfig
	slots map[string]*types.WarmSlot
	now   func() time.Time
}

// NewPool creates a pool pre-filled to the configured warm size.
func NewPool(kind types.AgentKind, cfg config.AgentConfig) *Pool {
	p := &Pool{
		kind:  kind,
		cfg:   cfg,
		slots: make(map[string]*types.WarmSlot),
		now:   time.Now,
	}
	p.mu.Lock()
	p.fillLocked()
	p.mu.Unlock()
	return p
}

func (p *Pool) newSlotLocked() *types.WarmSlot {
	now := p.now().UTC()
	slot := &types.WarmSlot{
		SlotID:     uuid.New().String(),
		AgentKind:  p.kind,
		State:      types.SlotIdle,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	p.slots[slot.SlotID] = slot
	return slot
}

func (p *Pool) fillLocked() {
	idle := 0
	for _, s := range p.slots {
		if s.State == types.SlotIdle {
			idle++
		}
	}
	for idle < p.cfg.WarmPoolSize && len(p.slots) < p.cfg.MaxConcurrent {
		p.newSlotLocked()
		idle++
	}
}

// Checkout leases a slot for a dispatch. An idle slot is reused; below the
// concurrency cap a cold slot is created on the spot. At the cap it returns
// nil and the caller must reject the dispatch.
func (p *Pool) Checkout(dispatchID string) *types.WarmSlot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var slot *types.WarmSlot
	for _, s := range p.slots {
		if s.State == types.SlotIdle {
			slot = s
			break
		}
	}
	if slot == nil {
		if len(p.slots) >= p.cfg.MaxConcurrent {
			metrics.PoolExhaustedTotal.WithLabelValues(string(p.kind)).Inc()
			return nil
		}
		slot = p.newSlotLocked()
	}

	slot.State = types.SlotInUse
	slot.CurrentDispatchID = dispatchID
	slot.LastUsedAt = p.now().UTC()
	p.publishGauges()

	leased := *slot
	return &leased
}

// Return hands a slot back. A faulted slot is destroyed; a clean slot goes
// back to idle unless the pool already holds its warm target, in which case
// it drains.
func (p *Pool) Return(slotID string, outcome types.SlotOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.slots[slotID]
	if !ok {
		return
	}

	idle := 0
	for _, s := range p.slots {
		if s.State == types.SlotIdle {
			idle++
		}
	}

	if outcome == types.SlotOutcomeFaulted || idle >= p.cfg.WarmPoolSize {
		slot.State = types.SlotDraining
		delete(p.slots, slotID)
	} else {
		slot.State = types.SlotIdle
		slot.CurrentDispatchID = ""
		slot.LastUsedAt = p.now().UTC()
	}
	p.publishGauges()
}

// ReturnByDispatch releases whichever slot is leased to the dispatch.
// No-op when the dispatch holds no slot, so replayed events are harmless.
func (p *Pool) ReturnByDispatch(dispatchID string, outcome types.SlotOutcome) {
	p.mu.Lock()
	var slotID string
	for id, s := range p.slots {
		if s.State == types.SlotInUse && s.CurrentDispatchID == dispatchID {
			slotID = id
			break
		}
	}
	p.mu.Unlock()

	if slotID != "" {
		p.Return(slotID, outcome)
	}
}

// reap destroys idle slots whose idle time exceeded the TTL, then refills to
// the warm target. Expiry is re-checked under the lock so a slot leased
// between the sweep decision and the removal is never destroyed.
func (p *Pool) reap() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ttl := p.cfg.IdleTTL()
	cutoff := p.now().UTC().Add(-ttl)
	reaped := 0
	for id, s := range p.slots {
		if s.State == types.SlotIdle && s.LastUsedAt.Before(cutoff) {
			delete(p.slots, id)
			reaped++
		}
	}
	p.fillLocked()
	p.publishGauges()
	return reaped
}

// Metrics reports the pool's current occupancy.
func (p *Pool) Metrics() types.PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := types.PoolMetrics{Kind: p.kind}
	for _, s := range p.slots {
		switch s.State {
		case types.SlotIdle:
			m.Idle++
		case types.SlotInUse:
			m.InUse++
		}
	}
	m.Total = len(p.slots)
	return m
}

func (p *Pool) publishGauges() {
	idle, inUse := 0, 0
	for _, s := range p.slots {
		switch s.State {
		case types.SlotIdle:
			idle++
		case types.SlotInUse:
			inUse++
		}
	}
	metrics.WarmSlots.WithLabelValues(string(p.kind), string(types.SlotIdle)).Set(float64(idle))
	metrics.WarmSlots.WithLabelValues(string(p.kind), string(types.SlotInUse)).Set(float64(inUse))
}

// Manager runs one pool per configured agent kind plus the shared reaper.
type Manager struct {
	pools  map[types.AgentKind]*Pool
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds pools from the agent catalog.
func NewManager(catalog map[types.AgentKind]config.AgentConfig) *Manager {
	pools := make(map[types.AgentKind]*Pool, len(catalog))
	for kind, cfg := range catalog {
		pools[kind] = NewPool(kind, cfg)
	}
	return &Manager{
		pools:  pools,
		logger: log.WithComponent("warmpool"),
		stopCh: make(chan struct{}),
	}
}

// Pool returns the pool for an agent kind, or nil when the kind is not in
// the catalog.
func (m *Manager) Pool(kind types.AgentKind) *Pool {
	return m.pools[kind]
}

// Checkout leases a slot from the agent's pool.
func (m *Manager) Checkout(kind types.AgentKind, dispatchID string) *types.WarmSlot {
	p := m.pools[kind]
	if p == nil {
		return nil
	}
	return p.Checkout(dispatchID)
}

// Return hands a slot back to its pool.
func (m *Manager) Return(kind types.AgentKind, slotID string, outcome types.SlotOutcome) {
	if p := m.pools[kind]; p != nil {
		p.Return(slotID, outcome)
	}
}

// ReleaseByDispatch releases the slot leased to a dispatch, if any.
func (m *Manager) ReleaseByDispatch(kind types.AgentKind, dispatchID string, outcome types.SlotOutcome) {
	if p := m.pools[kind]; p != nil {
		p.ReturnByDispatch(dispatchID, outcome)
	}
}

// AggregateMetrics snapshots every pool.
func (m *Manager) AggregateMetrics() map[types.AgentKind]types.PoolMetrics {
	out := make(map[types.AgentKind]types.PoolMetrics, len(m.pools))
	for kind, p := range m.pools {
		out[kind] = p.Metrics()
	}
	return out
}

// Start launches the reaper loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.reapLoop()
	m.logger.Info().Int("pools", len(m.pools)).Msg("Warm pool manager started")
}

// Stop terminates the reaper loop and waits for it.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info().Msg("Warm pool manager stopped")
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for kind, p := range m.pools {
				if n := p.reap(); n > 0 {
					m.logger.Debug().
						Str("agent", string(kind)).
						Int("reaped", n).
						Msg("Reaped idle warm slots")
				}
			}
		case <-m.stopCh:
			return
		}
	}
}
