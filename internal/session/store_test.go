package session

import (
	"testing"

	"github.com/phoenix-apps/phoenix-sync/internal/authority"
)

func TestStore_GetReturnsSnapshot(t *testing.T) {
	store := NewStore()
	store.Update(func(s *State) {
		s.Session = &authority.Session{UserID: "u-1", Email: "a@example.com"}
		s.Authenticated = true
		s.Energy = 42
	})

	snap := store.Get()
	snap.Energy = 0
	snap.Session.Email = "mutated@example.com"

	if got := store.Get(); got.Energy != 42 {
		t.Errorf("Energy = %d, want 42", got.Energy)
	}
	if got := store.Get(); got.Session.Email != "a@example.com" {
		t.Errorf("Session.Email = %q, snapshot mutation leaked into store", got.Session.Email)
	}
}

func TestStore_SubscribeDeliversImmediateSnapshot(t *testing.T) {
	store := NewStore()
	store.Update(func(s *State) { s.Energy = 7 })

	var got []State
	store.Subscribe(func(s State) { got = append(got, s) })

	if len(got) != 1 {
		t.Fatalf("got %d notifications on subscribe, want 1", len(got))
	}
	if got[0].Energy != 7 {
		t.Errorf("initial snapshot Energy = %d, want 7", got[0].Energy)
	}
}

func TestStore_UpdateNotifiesSynchronously(t *testing.T) {
	store := NewStore()

	notified := false
	store.Subscribe(func(s State) {
		if s.Energy == 5 {
			notified = true
		}
	})

	store.Update(func(s *State) { s.Energy = 5 })

	if !notified {
		t.Error("listener not invoked before Update returned")
	}
}

func TestStore_Unsubscribe(t *testing.T) {
	store := NewStore()

	calls := 0
	unsubscribe := store.Subscribe(func(State) { calls++ })
	if calls != 1 {
		t.Fatalf("calls = %d after subscribe, want 1", calls)
	}

	unsubscribe()
	store.Update(func(s *State) { s.Energy = 1 })

	if calls != 1 {
		t.Errorf("calls = %d after unsubscribe, want 1", calls)
	}

	// Unsubscribing twice must be harmless.
	unsubscribe()
}

func TestStore_ListenerCanReadDuringNotify(t *testing.T) {
	store := NewStore()

	var seen int
	store.Subscribe(func(s State) {
		seen = store.Get().Energy
	})

	store.Update(func(s *State) { s.Energy = 9 })

	if seen != 9 {
		t.Errorf("Get inside listener returned Energy = %d, want 9", seen)
	}
}
