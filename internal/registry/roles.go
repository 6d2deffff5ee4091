package registry

// Authorizer is the capability oracle consulted by every mutating operation.
type Authorizer interface {
	IsRelayer(addr string) bool
	IsGuardian(addr string) bool
	IsOperator(addr string) bool
}

// Roles is a static Authorizer built from configuration.
type Roles struct {
	relayers  map[string]struct{}
	guardians map[string]struct{}
	operators map[string]struct{}
}

func NewRoles(relayers, guardians, operators []string) *Roles {
	return &Roles{
		relayers:  toSet(relayers),
		guardians: toSet(guardians),
		operators: toSet(operators),
	}
}

func (r *Roles) IsRelayer(addr string) bool {
	_, ok := r.relayers[addr]
	return ok
}

func (r *Roles) IsGuardian(addr string) bool {
	_, ok := r.guardians[addr]
	return ok
}

func (r *Roles) IsOperator(addr string) bool {
	_, ok := r.operators[addr]
	return ok
}

func toSet(addrs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if a != "" {
			set[a] = struct{}{}
		}
	}
	return set
}
