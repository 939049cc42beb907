// Package codec frames, serializes and parses GridAgent protocol
// messages for protocol versions 1, 2 and 3.
//
// Every message travels in a common frame:
//
//	Offset 0  [4 bytes] total length, big-endian, header included
//	Offset 4  [2 bytes] reserved, zero
//	Offset 6  [1 byte]  message type code
//	Offset 7  [1 byte]  flags, meaning per type
//	Offset 8  [...]     body
//
// The header is identical across versions; some bodies differ. Every
// encoder writes exactly the length it declares, every decoder consumes
// exactly that length.
package codec

import (
	"fmt"
	"time"

	"github.com/gridwise/gridagent-server/internal/domain"
)

// Supported protocol versions.
const (
	Version1 uint8 = 1
	Version2 uint8 = 2
	Version3 uint8 = 3

	MinVersion = Version1
	MaxVersion = Version3
)

// Type is a wire message type code.
type Type uint8

// Server→agent message types.
const (
	TypeConfigGaRulesets          Type = 2
	TypeConfigGaTime              Type = 3
	TypeConfigGaPrices            Type = 4
	TypeConfigGaSoftware          Type = 5
	TypeConfigGpSoftware          Type = 6
	TypeCommandGaPollMeasurements Type = 7
	TypeCommandGaPropagateTime    Type = 8
	TypeCommandGpSwitchControl    Type = 9
	TypeCommandGpSwitchRelay      Type = 10
)

// Agent→server message types.
const (
	TypeNotificationGaMeasurements Type = 11
	TypeNotificationGaAddMode      Type = 12
	TypeNotificationGaTime         Type = 13
	TypeNotificationGaConnectedSet Type = 14
	TypeNotificationGpState        Type = 15
	TypeNotificationGaVersionInfo  Type = 16
	TypeNotificationGaEventLog     Type = 17
	TypeAcknowledgementGaSoftware  Type = 18
	TypeErrorGaSoftware            Type = 19
	TypeAcknowledgementGpSoftware  Type = 20
	TypeErrorGpSoftware            Type = 21
)

// String returns a stable lowercase name, used in logs and metric labels.
func (t Type) String() string {
	switch t {
	case TypeConfigGaRulesets:
		return "config_ga_rulesets"
	case TypeConfigGaTime:
		return "config_ga_time"
	case TypeConfigGaPrices:
		return "config_ga_prices"
	case TypeConfigGaSoftware:
		return "config_ga_software"
	case TypeConfigGpSoftware:
		return "config_gp_software"
	case TypeCommandGaPollMeasurements:
		return "command_ga_poll_measurements"
	case TypeCommandGaPropagateTime:
		return "command_ga_propagate_time"
	case TypeCommandGpSwitchControl:
		return "command_gp_switch_control"
	case TypeCommandGpSwitchRelay:
		return "command_gp_switch_relay"
	case TypeNotificationGaMeasurements:
		return "notification_ga_measurements"
	case TypeNotificationGaAddMode:
		return "notification_ga_add_mode"
	case TypeNotificationGaTime:
		return "notification_ga_time"
	case TypeNotificationGaConnectedSet:
		return "notification_ga_connected_set"
	case TypeNotificationGpState:
		return "notification_gp_state"
	case TypeNotificationGaVersionInfo:
		return "notification_ga_version_info"
	case TypeNotificationGaEventLog:
		return "notification_ga_event_log"
	case TypeAcknowledgementGaSoftware:
		return "acknowledgement_ga_software"
	case TypeErrorGaSoftware:
		return "error_ga_software"
	case TypeAcknowledgementGpSoftware:
		return "acknowledgement_gp_software"
	case TypeErrorGpSoftware:
		return "error_gp_software"
	}
	return fmt.Sprintf("type_%d", uint8(t))
}

// Message is the tagged union over all protocol messages.
type Message interface {
	MessageType() Type
}

// AgentMessage is implemented by agent→server messages, which all carry
// the sending agent's MAC. The first such message on a connection
// identifies the peer.
type AgentMessage interface {
	Message
	AgentMAC() domain.MAC
}

// RuleAction switches a relay on or off inside a ruleset window.
type RuleAction uint8

const (
	ActionOff RuleAction = 0
	ActionOn  RuleAction = 1
)

// Rule is one switching window, begin/end in seconds-of-week.
type Rule struct {
	Action    RuleAction
	TimeBegin uint32
	TimeEnd   uint32
}

// Ruleset groups rules with the meters they apply to.
type Ruleset struct {
	OverrideTimeout uint32
	Rules           []Rule
	Endpoints       []domain.MeterID
}

// Price is one tariff window.
type Price struct {
	Start time.Time
	End   time.Time
	Price int32
}

// ConfigGaRulesets pushes switching rulesets to an agent.
type ConfigGaRulesets struct {
	Rulesets []Ruleset
}

func (ConfigGaRulesets) MessageType() Type { return TypeConfigGaRulesets }

// ConfigGaTime forces the agent clock to the given UTC time.
type ConfigGaTime struct {
	Timestamp time.Time
}

func (ConfigGaTime) MessageType() Type { return TypeConfigGaTime }

// ConfigGaPrices pushes tariff windows to an agent.
type ConfigGaPrices struct {
	Prices []Price
}

func (ConfigGaPrices) MessageType() Type { return TypeConfigGaPrices }

// ConfigGaSoftware carries a firmware image for the agent itself.
// Supported from version 2; TargetHardwareVersion travels only at
// version 3.
type ConfigGaSoftware struct {
	SoftwareVersion       domain.Version
	HardwareModel         uint16
	TargetHardwareVersion domain.Version
	Image                 []byte
}

func (ConfigGaSoftware) MessageType() Type { return TypeConfigGaSoftware }

// ConfigGpSoftware carries a firmware image for meters behind the agent.
type ConfigGpSoftware struct {
	SoftwareVersion       domain.Version
	HardwareModel         uint16
	TargetHardwareVersion domain.Version
	Meters                []domain.MeterID
	Image                 []byte
}

func (ConfigGpSoftware) MessageType() Type { return TypeConfigGpSoftware }

// CommandGaPollMeasurements asks the agent to flush pending measurements.
type CommandGaPollMeasurements struct{}

func (CommandGaPollMeasurements) MessageType() Type { return TypeCommandGaPollMeasurements }

// CommandGaPropagateTime asks the agent to re-broadcast its own clock to
// its children; sent when server and agent already agree within tolerance.
type CommandGaPropagateTime struct{}

func (CommandGaPropagateTime) MessageType() Type { return TypeCommandGaPropagateTime }

// CommandGpSwitchControl toggles manual control on one meter.
type CommandGpSwitchControl struct {
	Meter  domain.MeterID
	Manual bool
}

func (CommandGpSwitchControl) MessageType() Type { return TypeCommandGpSwitchControl }

// CommandGpSwitchRelay switches one meter's relay.
type CommandGpSwitchRelay struct {
	Meter   domain.MeterID
	RelayOn bool
}

func (CommandGpSwitchRelay) MessageType() Type { return TypeCommandGpSwitchRelay }

// Measurement is one reported channel sample.
type Measurement struct {
	DataType    uint8
	AgentUnit   uint8
	InputNumber uint16
	Value       int64
}

// MeasurementSet groups measurements sharing one timestamp.
type MeasurementSet struct {
	Timestamp    time.Time
	Measurements []Measurement
}

// MeterMeasurements groups measurement sets for one meter.
type MeterMeasurements struct {
	Meter domain.MeterID
	Sets  []MeasurementSet
}

// NotificationGaMeasurements is the bulk measurement report answering a
// poll.
type NotificationGaMeasurements struct {
	Agent  domain.MAC
	Meters []MeterMeasurements
}

func (NotificationGaMeasurements) MessageType() Type { return TypeNotificationGaMeasurements }
func (m NotificationGaMeasurements) AgentMAC() domain.MAC { return m.Agent }

// NotificationGaAddMode reports the agent entering or leaving add mode.
type NotificationGaAddMode struct {
	Agent     domain.MAC
	AddMode   bool
	Timestamp time.Time
}

func (NotificationGaAddMode) MessageType() Type { return TypeNotificationGaAddMode }
func (m NotificationGaAddMode) AgentMAC() domain.MAC { return m.Agent }

// NotificationGaTime reports the agent's current clock.
type NotificationGaTime struct {
	Agent     domain.MAC
	Timestamp time.Time
}

func (NotificationGaTime) MessageType() Type { return TypeNotificationGaTime }
func (m NotificationGaTime) AgentMAC() domain.MAC { return m.Agent }

// NotificationGaConnectedSet reports the meters currently connected to
// the agent. Legacy agents omit the per-meter version and options.
type NotificationGaConnectedSet struct {
	Agent  domain.MAC
	Meters []domain.ConnectedMeter
}

func (NotificationGaConnectedSet) MessageType() Type { return TypeNotificationGaConnectedSet }
func (m NotificationGaConnectedSet) AgentMAC() domain.MAC { return m.Agent }

// NotificationGpState reports one meter's relay and control state.
type NotificationGpState struct {
	Agent     domain.MAC
	Meter     domain.MeterID
	RelayOn   bool
	Manual    bool
	Timestamp time.Time
}

func (NotificationGpState) MessageType() Type { return TypeNotificationGpState }
func (m NotificationGpState) AgentMAC() domain.MAC { return m.Agent }

// NotificationGaVersionInfo reports device type, hardware and software
// versions and the serial number.
type NotificationGaVersionInfo struct {
	Agent           domain.MAC
	DeviceType      uint8
	Serial          int32
	HardwareVersion domain.Version
	SoftwareVersion domain.Version
}

func (NotificationGaVersionInfo) MessageType() Type { return TypeNotificationGaVersionInfo }
func (m NotificationGaVersionInfo) AgentMAC() domain.MAC { return m.Agent }

// NotificationGaEventLog carries one agent event-log line.
type NotificationGaEventLog struct {
	Agent     domain.MAC
	Timestamp time.Time
	Code      uint32
	Text      string
}

func (NotificationGaEventLog) MessageType() Type { return TypeNotificationGaEventLog }
func (m NotificationGaEventLog) AgentMAC() domain.MAC { return m.Agent }

// AcknowledgementGaSoftware confirms an agent software push.
type AcknowledgementGaSoftware struct {
	Agent domain.MAC
}

func (AcknowledgementGaSoftware) MessageType() Type { return TypeAcknowledgementGaSoftware }
func (m AcknowledgementGaSoftware) AgentMAC() domain.MAC { return m.Agent }

// ErrorGaSoftware reports the agent rejecting a software push.
type ErrorGaSoftware struct {
	Agent domain.MAC
	Code  uint32
}

func (ErrorGaSoftware) MessageType() Type { return TypeErrorGaSoftware }
func (m ErrorGaSoftware) AgentMAC() domain.MAC { return m.Agent }

// AcknowledgementGpSoftware confirms a meter software push.
type AcknowledgementGpSoftware struct {
	Agent domain.MAC
	Meter domain.MeterID
}

func (AcknowledgementGpSoftware) MessageType() Type { return TypeAcknowledgementGpSoftware }
func (m AcknowledgementGpSoftware) AgentMAC() domain.MAC { return m.Agent }

// ErrorGpSoftware reports a meter rejecting a software push.
type ErrorGpSoftware struct {
	Agent domain.MAC
	Meter domain.MeterID
	Code  uint32
}

func (ErrorGpSoftware) MessageType() Type { return TypeErrorGpSoftware }
func (m ErrorGpSoftware) AgentMAC() domain.MAC { return m.Agent }

// IsSoftwarePush reports whether m is an image-carrying variant that
// gates the outbound write path after being sent.
func IsSoftwarePush(m Message) bool {
	switch m.(type) {
	case ConfigGaSoftware, *ConfigGaSoftware, ConfigGpSoftware, *ConfigGpSoftware:
		return true
	}
	return false
}

// IsSoftwareResponse reports whether m releases the software-update gate.
func IsSoftwareResponse(m Message) bool {
	switch m.MessageType() {
	case TypeAcknowledgementGaSoftware, TypeErrorGaSoftware,
		TypeAcknowledgementGpSoftware, TypeErrorGpSoftware:
		return true
	}
	return false
}
