// Package session keeps one instance's view of "who is logged in" and "how
// much energy remains" consistent with the remote authority, the remote
// ledger, and every sibling instance on the broadcast bus.
package session

import "github.com/phoenix-apps/phoenix-sync/internal/authority"

// State is the aggregate view UI layers subscribe to. Subscribers receive
// value snapshots; mutating a snapshot has no effect on the store.
type State struct {
	Session       *authority.Session
	Authenticated bool
	Loading       bool
	Err           error
	Energy        int
	Unlimited     bool
}

// clone returns a snapshot safe to hand to subscribers.
func (s State) clone() State {
	if s.Session != nil {
		cp := *s.Session
		s.Session = &cp
	}
	return s
}
