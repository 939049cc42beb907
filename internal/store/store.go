// Package store persists agent, meter, input, measurement and event
// state. The schema is owned by the surrounding application; the server
// only consumes the narrow operations below.
package store

import (
	"context"
	"time"

	"github.com/gridwise/gridagent-server/internal/domain"
)

// Querier is the set of visit-level persistence operations. It is
// implemented both by the Store itself (auto-commit) and by Tx.
type Querier interface {
	// AgentExists reports whether the MAC has been provisioned.
	AgentExists(ctx context.Context, mac domain.MAC) (bool, error)

	// GetAgent returns the provisioned agent, ErrAgentNotFound if absent.
	GetAgent(ctx context.Context, mac domain.MAC) (domain.Agent, error)

	// SetAgentInfo upserts the reported device type, serial and version
	// quadruples. Idempotent.
	SetAgentInfo(ctx context.Context, mac domain.MAC, deviceType uint8, serial int64, hw, sw domain.Version) error

	// SetAgentOnline writes the online flag and online_since together.
	SetAgentOnline(ctx context.Context, mac domain.MAC, online bool, ts time.Time) error

	// SetAgentAddMode writes the add-mode flag and its timestamp. Idempotent.
	SetAgentAddMode(ctx context.Context, mac domain.MAC, on bool, ts time.Time) error

	// UpsertMeter creates the meter under its agent if it does not exist.
	UpsertMeter(ctx context.Context, mac domain.MAC, id domain.MeterID) error

	// SetMeterState writes relay, control and online state atomically.
	SetMeterState(ctx context.Context, mac domain.MAC, id domain.MeterID, manual, relayOn, online bool, ts time.Time) error

	// UpsertPhysicalInput returns the existing input or creates it.
	// Returns (nil, nil) when the agent unit code is not recognized;
	// such channels are never stored.
	UpsertPhysicalInput(ctx context.Context, mac domain.MAC, meter domain.MeterID, dataType uint8, agentUnit uint8, inputNumber uint16) (*domain.PhysicalInput, error)

	// BulkInsertRaw appends a measurement batch in a single statement set.
	BulkInsertRaw(ctx context.Context, points []domain.RawPoint) error

	// StoreEvent appends one agent event-log row.
	StoreEvent(ctx context.Context, ev domain.AgentEvent) error

	// MarkMetersOnline marks the listed meters online and records their
	// reported version and options where present. Meters it cannot
	// resolve under the agent are skipped without error; agents on
	// firmware 2.3.0 are known to report stale junk entries.
	MarkMetersOnline(ctx context.Context, mac domain.MAC, meters []domain.ConnectedMeter, ts time.Time) error
}

// Tx is one transaction covering a single visit of one inbound message.
type Tx interface {
	Querier
	Commit() error
	Rollback() error
}

// Store is the persistence adapter shared across connection handlers.
// Per-agent ordering is the caller's concern; the store itself permits
// concurrent transactions for different agents.
type Store interface {
	Querier

	// Begin opens a transaction for one message visit.
	Begin(ctx context.Context) (Tx, error)

	// Reset discards pooled connections after a transient failure so the
	// next visit starts from a fresh handle.
	Reset(ctx context.Context) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}
