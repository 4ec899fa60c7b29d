// Package locks provides the per-tenant exclusive locks that serialize ledger
// appends and journal applies within a tenant.
package locks

import "sync"

// TenantLocks hands out one mutex per tenant id. Locks are created on first
// use and kept for the process lifetime; the per-tenant footprint is a single
// mutex.
type TenantLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an empty lock table.
func New() *TenantLocks {
	return &TenantLocks{locks: make(map[string]*sync.Mutex)}
}

func (t *TenantLocks) lockFor(tenant string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[tenant]
	if !ok {
		l = &sync.Mutex{}
		t.locks[tenant] = l
	}
	return l
}

// Acquire blocks until the tenant's lock is held and returns the release
// function. Callers must release on every path.
func (t *TenantLocks) Acquire(tenant string) (release func()) {
	l := t.lockFor(tenant)
	l.Lock()
	return l.Unlock
}

// Do runs fn while holding the tenant's lock.
func (t *TenantLocks) Do(tenant string, fn func() error) error {
	defer t.Acquire(tenant)()
	return fn()
}
