// Package bus defines the broadcast contract used to converge session and
// energy state across application instances. Delivery is best effort and
// fire-and-forget; every message overwrites receiver state verbatim, so
// applying a message twice, or out of order, is safe.
package bus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/phoenix-apps/phoenix-sync/internal/authority"
)

// Type tags a broadcast message.
type Type string

const (
	// TypeAuthStateChanged carries the originating instance's full auth view.
	TypeAuthStateChanged Type = "AUTH_STATE_CHANGED"

	// TypeLogoutAll forces every receiver to clear its session.
	TypeLogoutAll Type = "LOGOUT_ALL"

	// TypeEnergyUpdated carries a ledger-confirmed balance.
	TypeEnergyUpdated Type = "ENERGY_UPDATED"
)

// AuthPayload is the AUTH_STATE_CHANGED payload.
type AuthPayload struct {
	Session       *authority.Session `json:"session"`
	Authenticated bool               `json:"authenticated"`
}

// EnergyPayload is the ENERGY_UPDATED payload.
type EnergyPayload struct {
	Energy    int  `json:"energy"`
	Unlimited bool `json:"unlimited"`
}

// Message is the tagged union transmitted over the bus. Exactly the payload
// matching Type is populated; LOGOUT_ALL carries none.
type Message struct {
	Type   Type           `json:"type"`
	Auth   *AuthPayload   `json:"auth,omitempty"`
	Energy *EnergyPayload `json:"energy,omitempty"`
}

// Handler receives broadcast messages from sibling instances.
type Handler func(Message)

// Transport is the cross-instance fan-out contract. Publish never delivers to
// the publishing instance's own handler. Implementations that lose their
// underlying transport degrade to no-ops rather than failing the operation
// that triggered the publish.
type Transport interface {
	// Publish sends a message to every sibling instance. Fire-and-forget.
	Publish(ctx context.Context, msg Message) error

	// Handle registers the single demultiplexing handler for this instance.
	Handle(fn Handler)

	// Close releases the transport.
	Close() error
}

// NewOriginID generates the random per-instance identity used to filter out
// self-published messages.
func NewOriginID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate origin ID: %v", err))
	}
	return hex.EncodeToString(b)
}

// NewMessageID generates a unique message ID for replay deduplication.
func NewMessageID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate message ID: %v", err))
	}
	return hex.EncodeToString(b)
}
