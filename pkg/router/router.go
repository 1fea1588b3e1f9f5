// Package router picks one backend name out of a candidate set.
//
// Routers never see pools or health records directly: the caller passes the
// names that are registered and not known to be unhealthy, and a router
// either returns one of them or reports that it has nothing suitable. The
// Selector chains a primary and a fallback router per operation kind.
package router

// Router names used in configuration.
const (
	NameReadWrite = "read_write"
	NameFailover  = "failover"
	NameTenant    = "tenant"
)

type Router interface {
	Name() string
	// SelectDataSource returns a name from candidates, or false if the
	// router has no usable choice.
	SelectDataSource(candidates []string, rc RoutingContext) (string, bool)
}

func contains(candidates []string, name string) bool {
	if name == "" {
		return false
	}
	for _, c := range candidates {
		if c == name {
			return true
		}
	}
	return false
}
