package admission

import "sync"

// Plan is the billing plan that determines a tenant's daily quota ceiling.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStandard   Plan = "standard"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Unlimited marks a plan with no daily ceiling.
const Unlimited = -1

var planCeilings = map[Plan]int{
	PlanFree:       100,
	PlanStandard:   10000,
	PlanPro:        10000,
	PlanEnterprise: Unlimited,
}

// Ceiling returns the daily operation ceiling for a plan. Unknown plans get
// the free ceiling.
func Ceiling(plan Plan) int {
	if c, ok := planCeilings[plan]; ok {
		return c
	}
	return planCeilings[PlanFree]
}

type tenantUsage struct {
	mu   sync.Mutex
	used int
}

// QuotaManager enforces per-tenant daily operation ceilings. The counters
// reset only through an explicit ResetDaily call at the UTC boundary; the
// manager schedules nothing itself.
type QuotaManager struct {
	mu      sync.RWMutex
	tenants map[string]*tenantUsage
}

// NewQuotaManager creates a quota manager.
func NewQuotaManager() *QuotaManager {
	return &QuotaManager{tenants: make(map[string]*tenantUsage)}
}

func (m *QuotaManager) usage(tenantID string) *tenantUsage {
	m.mu.RLock()
	u, ok := m.tenants[tenantID]
	m.mu.RUnlock()
	if ok {
		return u
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok = m.tenants[tenantID]; ok {
		return u
	}
	u = &tenantUsage{}
	m.tenants[tenantID] = u
	return u
}

// CanExecute reports whether the tenant's remaining quota covers count more
// operations.
func (m *QuotaManager) CanExecute(tenantID string, plan Plan, count int) bool {
	ceiling := Ceiling(plan)
	if ceiling == Unlimited {
		return true
	}

	u := m.usage(tenantID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.used+count <= ceiling
}

// TryConsume atomically checks and reserves count operations against the
// tenant's quota, so concurrent admissions cannot overshoot the ceiling. It
// returns whether the reservation succeeded plus the usage and remaining
// quota after the call (Unlimited remaining for unmetered plans).
func (m *QuotaManager) TryConsume(tenantID string, plan Plan, count int) (bool, int, int) {
	ceiling := Ceiling(plan)
	u := m.usage(tenantID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if ceiling == Unlimited {
		u.used += count
		return true, u.used, Unlimited
	}
	if u.used+count > ceiling {
		remaining := ceiling - u.used
		if remaining < 0 {
			remaining = 0
		}
		return false, u.used, remaining
	}
	u.used += count
	return true, u.used, ceiling - u.used
}

// Release returns count reserved operations to the tenant's quota, for when
// a later admission stage rejects an already reserved submission.
func (m *QuotaManager) Release(tenantID string, count int) {
	u := m.usage(tenantID)
	u.mu.Lock()
	if u.used -= count; u.used < 0 {
		u.used = 0
	}
	u.mu.Unlock()
}

// Consume records count admitted operations against the tenant's quota.
func (m *QuotaManager) Consume(tenantID string, count int) {
	u := m.usage(tenantID)
	u.mu.Lock()
	u.used += count
	u.mu.Unlock()
}

// Used returns the tenant's usage since the last reset.
func (m *QuotaManager) Used(tenantID string) int {
	u := m.usage(tenantID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.used
}

// Remaining returns how much quota the tenant has left, or Unlimited.
func (m *QuotaManager) Remaining(tenantID string, plan Plan) int {
	ceiling := Ceiling(plan)
	if ceiling == Unlimited {
		return Unlimited
	}
	remaining := ceiling - m.Used(tenantID)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResetDaily clears every tenant's usage counter. Called by the owner at the
// fixed UTC boundary.
func (m *QuotaManager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.tenants {
		u.mu.Lock()
		u.used = 0
		u.mu.Unlock()
	}
}
