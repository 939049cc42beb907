// Package domain contains core business entities for the GridAgent Server.
package domain

import (
	"fmt"
	"time"
)

// Version is the (major, minor, revision, revision-string) quadruple carried
// by agents and meters. The revision string is Latin-1 on the wire.
type Version struct {
	Major          uint8
	Minor          uint8
	Revision       uint8
	RevisionString string
}

// String renders the version in dotted form.
func (v Version) String() string {
	if v.RevisionString == "" {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
	}
	return fmt.Sprintf("%d.%d.%d-%s", v.Major, v.Minor, v.Revision, v.RevisionString)
}

// IsZero reports whether the version is entirely unset.
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0 && v.Revision == 0 && v.RevisionString == ""
}

// Agent is a field gateway device identified by its 48-bit MAC.
// Rows are inserted by out-of-band provisioning; the server only mutates
// reported info and online state.
type Agent struct {
	MAC             MAC
	DeviceType      uint8
	Serial          int64
	HardwareVersion Version
	SoftwareVersion Version
	Online          bool
	OnlineSince     time.Time
	AddMode         bool
	AddModeSince    time.Time
	ProtocolVersion uint8
}

// AgentEvent is one append-only event-log row reported by an agent.
type AgentEvent struct {
	Agent     MAC
	Timestamp time.Time
	Code      uint32
	Message   string
}
