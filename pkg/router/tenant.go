package router

import "sync"

// TenantRouter pins each tenant to one backend. Requests without a tenant,
// or whose backend is not a candidate, are left to the next router.
type TenantRouter struct {
	mu      sync.RWMutex
	tenants map[string]string
}

func NewTenantRouter(tenants map[string]string) *TenantRouter {
	m := make(map[string]string, len(tenants))
	for t, b := range tenants {
		m[t] = b
	}
	return &TenantRouter{tenants: m}
}

func (r *TenantRouter) Name() string { return NameTenant }

func (r *TenantRouter) Set(tenant, backend string) {
	r.mu.Lock()
	r.tenants[tenant] = backend
	r.mu.Unlock()
}

func (r *TenantRouter) Delete(tenant string) {
	r.mu.Lock()
	delete(r.tenants, tenant)
	r.mu.Unlock()
}

func (r *TenantRouter) SelectDataSource(candidates []string, rc RoutingContext) (string, bool) {
	if rc.TenantID == "" {
		return "", false
	}
	r.mu.RLock()
	name, ok := r.tenants[rc.TenantID]
	r.mu.RUnlock()

	if ok && contains(candidates, name) {
		return name, true
	}
	return "", false
}
