package domain

import (
	"fmt"
	"time"
)

// MeterID is the 8-byte wire identity of a meter: the most significant
// byte is the connection type, the low 56 bits the manufacturing id.
type MeterID uint64

// NewMeterID packs a connection type and manufacturing id.
func NewMeterID(connectionType uint8, mfgID uint64) MeterID {
	return MeterID(uint64(connectionType)<<56 | mfgID&(1<<56-1))
}

// ConnectionType returns the bus the meter hangs off (top byte).
func (id MeterID) ConnectionType() uint8 { return uint8(id >> 56) }

// MfgID returns the manufacturing id (low 56 bits).
func (id MeterID) MfgID() uint64 { return uint64(id) & (1<<56 - 1) }

func (id MeterID) String() string {
	return fmt.Sprintf("%d/%d", id.ConnectionType(), id.MfgID())
}

// Meter is a logical endpoint identified by (agent, connection type,
// manufacturing id). Auto-created on first reference when the owning
// agent is known.
type Meter struct {
	Agent           MAC
	ID              MeterID
	Name            string
	Online          bool
	OnlineSince     time.Time
	RelayOn         bool
	ManualControl   bool
	HardwareVersion Version
	SoftwareVersion Version
	DeviceOptions   uint8
}

// PhysicalInput is a single measurable channel on a meter.
type PhysicalInput struct {
	RowID             int64
	Agent             MAC
	Meter             MeterID
	DataType          uint8
	InputNumber       uint16
	Unit              Unit
	AgentUnit         uint8
	StoreMeasurements bool
}

// HardwareID derives the external channel identifier.
func (in PhysicalInput) HardwareID() string {
	return fmt.Sprintf("GA-%s-%d-%d", in.Agent.Hex(), in.Meter.MfgID(), in.InputNumber)
}

// RawPoint is one (input, timestamp, value) measurement triple.
type RawPoint struct {
	InputRowID int64
	Timestamp  time.Time
	Value      int64
}

// ConnectedMeter is one entry of a connected-set notification. Version
// and options fields are absent on frames from legacy agents.
type ConnectedMeter struct {
	ID              MeterID
	SoftwareVersion *Version
	DeviceOptions   *uint8
}
