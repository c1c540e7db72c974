package fhe

import "github.com/ethereum/go-ethereum/common"

// acl records persistent grants. Transient allowances live on the active
// transaction, not here.
type acl struct {
	allowed map[Handle]map[common.Address]struct{}
	public  map[Handle]struct{}
}

func newACL() *acl {
	return &acl{
		allowed: make(map[Handle]map[common.Address]struct{}),
		public:  make(map[Handle]struct{}),
	}
}

func (a *acl) isAllowed(h Handle, account common.Address) bool {
	_, ok := a.allowed[h][account]
	return ok
}

func (a *acl) isPublic(h Handle) bool {
	_, ok := a.public[h]
	return ok
}

// allow grants account on h and reports whether the grant is new.
func (a *acl) allow(h Handle, account common.Address) bool {
	set, ok := a.allowed[h]
	if !ok {
		set = make(map[common.Address]struct{})
		a.allowed[h] = set
	}
	if _, ok := set[account]; ok {
		return false
	}
	set[account] = struct{}{}
	return true
}

func (a *acl) disallow(h Handle, account common.Address) {
	set := a.allowed[h]
	delete(set, account)
	if len(set) == 0 {
		delete(a.allowed, h)
	}
}

func (a *acl) makePublic(h Handle) bool {
	if _, ok := a.public[h]; ok {
		return false
	}
	a.public[h] = struct{}{}
	return true
}

func (a *acl) unpublish(h Handle) { delete(a.public, h) }

// accounts returns the accounts allowed on h.
func (a *acl) accounts(h Handle) []common.Address {
	set := a.allowed[h]
	out := make([]common.Address, 0, len(set))
	for acc := range set {
		out = append(out, acc)
	}
	return out
}
