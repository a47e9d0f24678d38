package escrow

// Policy holds the access predicates consulted at the top of every
// operation. The party checks are linear scans over the agreement's lists,
// which is deliberate: agreements target small party counts, so an index
// would cost more than it saves.
type Policy struct {
	Admin [20]byte
}

// IsAdmin reports whether the caller is the system administrator.
func (p Policy) IsAdmin(caller [20]byte) bool {
	return p.Admin != ([20]byte{}) && caller == p.Admin
}

// IsBuyer reports whether the caller appears in the agreement's buyer list.
func IsBuyer(a *Agreement, caller [20]byte) bool {
	if a == nil {
		return false
	}
	for _, p := range a.Buyers {
		if p.Address == caller {
			return true
		}
	}
	return false
}

// IsSeller reports whether the caller appears in the agreement's seller
// list.
func IsSeller(a *Agreement, caller [20]byte) bool {
	if a == nil {
		return false
	}
	for _, p := range a.Sellers {
		if p.Address == caller {
			return true
		}
	}
	return false
}

// IsParty reports whether the caller is a buyer or seller of the agreement.
func IsParty(a *Agreement, caller [20]byte) bool {
	return IsBuyer(a, caller) || IsSeller(a, caller)
}
