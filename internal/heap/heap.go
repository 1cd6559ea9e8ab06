// Package heap tracks a pipeline's total resident GPU bytes against an
// advisory budget. It never frees anything itself — it only answers
// "how much is in use" and "are we under pressure" so callers (the
// buffer pool, the pipeline) can make eviction/backoff decisions.
package heap

import "sync"

// Category groups registered bytes for the per-category snapshot breakdown.
type Category string

const (
	CategoryWeights Category = "weights"
	CategoryKV      Category = "kv"
	CategoryScratch Category = "scratch"
)

// Snapshot is a point-in-time view of heap usage.
type Snapshot struct {
	Budget       int64
	Used         int64
	Peak         int64
	PerCategory  map[Category]int64
	UnderPressure bool
}

// Manager accounts for resident bytes against a budget and exposes
// pressure signals. Safe for concurrent use — grounded on the teacher's
// MemoryManager's RWMutex-guarded bookkeeping, minus its LRU/eviction
// responsibility, which the heap manager explicitly does not own.
type Manager struct {
	mu sync.RWMutex

	budget int64
	used   int64
	peak   int64

	perCategory map[Category]int64
	registered  map[uintptr]registration

	// pressureThreshold is the usage fraction (0,1] at which
	// UnderPressure becomes true.
	pressureThreshold float64
}

type registration struct {
	category Category
	size     int64
}

// Config configures a new Manager.
type Config struct {
	// BudgetBytes is the advisory ceiling. Zero means "no budget enforced"
	// (UnderPressure is always false, but usage is still tracked).
	BudgetBytes int64
	// PressureThreshold is the usage fraction at which UnderPressure
	// becomes true. Defaults to 0.9 if <= 0 or > 1.
	PressureThreshold float64
}

// New creates a heap manager with the given budget configuration.
func New(cfg Config) *Manager {
	threshold := cfg.PressureThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.9
	}
	return &Manager{
		budget:            cfg.BudgetBytes,
		perCategory:       make(map[Category]int64),
		registered:        make(map[uintptr]registration),
		pressureThreshold: threshold,
	}
}

// Register records size bytes under category, keyed by an opaque handle
// (typically a buffer's pointer identity) so Unregister can reverse it
// exactly once.
func (m *Manager) Register(handle uintptr, category Category, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.registered[handle] = registration{category: category, size: size}
	m.used += size
	m.perCategory[category] += size
	if m.used > m.peak {
		m.peak = m.used
	}
}

// Unregister reverses a prior Register for the same handle. A handle not
// currently registered is a no-op, matching the pool's "leaves no
// orphaned buffers after any error" guarantee — double-release never
// corrupts accounting.
func (m *Manager) Unregister(handle uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registered[handle]
	if !ok {
		return
	}
	delete(m.registered, handle)
	m.used -= reg.size
	m.perCategory[reg.category] -= reg.size
	if m.perCategory[reg.category] < 0 {
		m.perCategory[reg.category] = 0
	}
	if m.used < 0 {
		m.used = 0
	}
}

// Reset drops all tracking without freeing anything; the caller is
// responsible for having already released the underlying resources.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.used = 0
	m.peak = 0
	m.perCategory = make(map[Category]int64)
	m.registered = make(map[uintptr]registration)
}

// SetBudget updates the advisory budget. It does not evict; a Manager
// over budget simply reports UnderPressure.
func (m *Manager) SetBudget(budget int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budget = budget
}

// Snapshot returns the current usage view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perCat := make(map[Category]int64, len(m.perCategory))
	for k, v := range m.perCategory {
		perCat[k] = v
	}

	underPressure := false
	if m.budget > 0 {
		underPressure = float64(m.used) >= float64(m.budget)*m.pressureThreshold
	}

	return Snapshot{
		Budget:        m.budget,
		Used:          m.used,
		Peak:          m.peak,
		PerCategory:   perCat,
		UnderPressure: underPressure,
	}
}
