package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/gridwise/gridagent-server/internal/domain"
)

// revisionStringSize is the fixed wire width of a version quadruple's
// revision string.
const revisionStringSize = 8

// versionWireSize is the width of a version quadruple on the wire.
const versionWireSize = 3 + revisionStringSize

// Flag bits, meaning per type.
const (
	flagManual      = 0x01 // CommandGpSwitchControl
	flagRelayOn     = 0x01 // CommandGpSwitchRelay, NotificationGpState bit 0
	flagAddMode     = 0x01 // NotificationGaAddMode
	flagHasVersions = 0x01 // NotificationGaConnectedSet
	flagStateManual = 0x02 // NotificationGpState bit 1
)

// Encode serializes a message at the given protocol version. The
// returned buffer is a complete frame; its declared length always
// matches the bytes written.
func Encode(m Message, version uint8) ([]byte, error) {
	if version < MinVersion || version > MaxVersion {
		return nil, fmt.Errorf("%w: version %d", domain.ErrVersionUnsupported, version)
	}
	flags, body, err := encodeBody(m, version)
	if err != nil {
		return nil, err
	}
	total := HeaderSize + len(body)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", domain.ErrFrameTooLarge, total)
	}
	buf := make([]byte, HeaderSize, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[6] = byte(m.MessageType())
	buf[7] = flags
	return append(buf, body...), nil
}

func encodeBody(m Message, version uint8) (uint8, []byte, error) {
	switch msg := m.(type) {
	case ConfigGaRulesets:
		return 0, encodeRulesets(msg), nil
	case *ConfigGaRulesets:
		return 0, encodeRulesets(*msg), nil

	case ConfigGaTime:
		return 0, appendU32(nil, toWireTime(msg.Timestamp)), nil
	case *ConfigGaTime:
		return 0, appendU32(nil, toWireTime(msg.Timestamp)), nil

	case ConfigGaPrices:
		return 0, encodePrices(msg), nil
	case *ConfigGaPrices:
		return 0, encodePrices(*msg), nil

	case ConfigGaSoftware:
		return encodeGaSoftware(msg, version)
	case *ConfigGaSoftware:
		return encodeGaSoftware(*msg, version)

	case ConfigGpSoftware:
		return encodeGpSoftware(msg, version)
	case *ConfigGpSoftware:
		return encodeGpSoftware(*msg, version)

	case CommandGaPollMeasurements, *CommandGaPollMeasurements:
		return 0, nil, nil
	case CommandGaPropagateTime, *CommandGaPropagateTime:
		return 0, nil, nil

	case CommandGpSwitchControl:
		return boolFlag(msg.Manual, flagManual), appendMeterID(nil, msg.Meter), nil
	case *CommandGpSwitchControl:
		return boolFlag(msg.Manual, flagManual), appendMeterID(nil, msg.Meter), nil

	case CommandGpSwitchRelay:
		return boolFlag(msg.RelayOn, flagRelayOn), appendMeterID(nil, msg.Meter), nil
	case *CommandGpSwitchRelay:
		return boolFlag(msg.RelayOn, flagRelayOn), appendMeterID(nil, msg.Meter), nil

	case NotificationGaMeasurements:
		return 0, encodeMeasurements(msg), nil
	case *NotificationGaMeasurements:
		return 0, encodeMeasurements(*msg), nil

	case NotificationGaAddMode:
		body := appendU32(appendAgent(nil, msg.Agent), toWireTime(msg.Timestamp))
		return boolFlag(msg.AddMode, flagAddMode), body, nil
	case *NotificationGaAddMode:
		body := appendU32(appendAgent(nil, msg.Agent), toWireTime(msg.Timestamp))
		return boolFlag(msg.AddMode, flagAddMode), body, nil

	case NotificationGaTime:
		return 0, appendU32(appendAgent(nil, msg.Agent), toWireTime(msg.Timestamp)), nil
	case *NotificationGaTime:
		return 0, appendU32(appendAgent(nil, msg.Agent), toWireTime(msg.Timestamp)), nil

	case NotificationGaConnectedSet:
		return encodeConnectedSet(msg, version)
	case *NotificationGaConnectedSet:
		return encodeConnectedSet(*msg, version)

	case NotificationGpState:
		var flags uint8
		if msg.RelayOn {
			flags |= flagRelayOn
		}
		if msg.Manual {
			flags |= flagStateManual
		}
		body := appendU32(appendMeterID(appendAgent(nil, msg.Agent), msg.Meter), toWireTime(msg.Timestamp))
		return flags, body, nil
	case *NotificationGpState:
		return encodeBody(*msg, version)

	case NotificationGaVersionInfo:
		return 0, encodeVersionInfo(msg), nil
	case *NotificationGaVersionInfo:
		return 0, encodeVersionInfo(*msg), nil

	case NotificationGaEventLog:
		return 0, encodeEventLog(msg), nil
	case *NotificationGaEventLog:
		return 0, encodeEventLog(*msg), nil

	case AcknowledgementGaSoftware:
		return softwareResponseBody(version, appendAgent(nil, msg.Agent))
	case *AcknowledgementGaSoftware:
		return softwareResponseBody(version, appendAgent(nil, msg.Agent))

	case ErrorGaSoftware:
		return softwareResponseBody(version, appendU32(appendAgent(nil, msg.Agent), msg.Code))
	case *ErrorGaSoftware:
		return softwareResponseBody(version, appendU32(appendAgent(nil, msg.Agent), msg.Code))

	case AcknowledgementGpSoftware:
		return softwareResponseBody(version, appendMeterID(appendAgent(nil, msg.Agent), msg.Meter))
	case *AcknowledgementGpSoftware:
		return softwareResponseBody(version, appendMeterID(appendAgent(nil, msg.Agent), msg.Meter))

	case ErrorGpSoftware:
		return softwareResponseBody(version, appendU32(appendMeterID(appendAgent(nil, msg.Agent), msg.Meter), msg.Code))
	case *ErrorGpSoftware:
		return softwareResponseBody(version, appendU32(appendMeterID(appendAgent(nil, msg.Agent), msg.Meter), msg.Code))

	default:
		return 0, nil, fmt.Errorf("%w: %T", domain.ErrUnknownType, m)
	}
}

func softwareResponseBody(version uint8, body []byte) (uint8, []byte, error) {
	if version < Version2 {
		return 0, nil, fmt.Errorf("%w: software messages need version 2", domain.ErrVersionUnsupported)
	}
	return 0, body, nil
}

func encodeRulesets(m ConfigGaRulesets) []byte {
	body := appendU32(nil, uint32(len(m.Rulesets)))
	for _, rs := range m.Rulesets {
		body = appendU32(body, rs.OverrideTimeout)
		body = appendU16(body, uint16(len(rs.Rules)))
		body = appendU16(body, uint16(len(rs.Endpoints)))
		for _, r := range rs.Rules {
			body = append(body, 0, 0, 0, byte(r.Action))
			body = appendU32(body, r.TimeBegin)
			body = appendU32(body, r.TimeEnd)
		}
		for _, ep := range rs.Endpoints {
			body = appendMeterID(body, ep)
		}
	}
	return body
}

func encodePrices(m ConfigGaPrices) []byte {
	body := append([]byte(nil), 0, 0)
	body = appendU16(body, uint16(len(m.Prices)))
	for _, p := range m.Prices {
		body = appendU32(body, toWireTime(p.Start))
		body = appendU32(body, toWireTime(p.End))
		body = appendU32(body, uint32(p.Price))
	}
	return body
}

func encodeSoftwarePrelude(sw domain.Version, hwModel uint16, target domain.Version, version uint8) []byte {
	body := appendVersion(nil, sw)
	body = append(body, 0)
	body = appendU16(body, hwModel)
	body = append(body, 0, 0)
	if version >= Version3 {
		body = appendVersion(body, target)
		body = append(body, 0)
	}
	return body
}

func encodeGaSoftware(m ConfigGaSoftware, version uint8) (uint8, []byte, error) {
	if version < Version2 {
		return 0, nil, fmt.Errorf("%w: software push needs version 2", domain.ErrVersionUnsupported)
	}
	body := encodeSoftwarePrelude(m.SoftwareVersion, m.HardwareModel, m.TargetHardwareVersion, version)
	body = appendU32(body, uint32(len(m.Image)))
	body = append(body, m.Image...)
	return 0, body, nil
}

func encodeGpSoftware(m ConfigGpSoftware, version uint8) (uint8, []byte, error) {
	if version < Version2 {
		return 0, nil, fmt.Errorf("%w: software push needs version 2", domain.ErrVersionUnsupported)
	}
	body := encodeSoftwarePrelude(m.SoftwareVersion, m.HardwareModel, m.TargetHardwareVersion, version)
	body = appendU32(body, uint32(len(m.Meters)))
	for _, id := range m.Meters {
		body = appendMeterID(body, id)
	}
	body = appendU32(body, uint32(len(m.Image)))
	body = append(body, m.Image...)
	return 0, body, nil
}

func encodeMeasurements(m NotificationGaMeasurements) []byte {
	body := appendU32(appendAgent(nil, m.Agent), uint32(len(m.Meters)))
	for _, mm := range m.Meters {
		body = appendMeterID(body, mm.Meter)
		body = appendU32(body, uint32(len(mm.Sets)))
		for _, set := range mm.Sets {
			body = appendU32(body, toWireTime(set.Timestamp))
			body = appendU32(body, uint32(len(set.Measurements)))
			for _, meas := range set.Measurements {
				body = append(body, meas.DataType, meas.AgentUnit)
				body = appendU16(body, meas.InputNumber)
				body = appendU64(body, uint64(meas.Value))
			}
		}
	}
	return body
}

func encodeConnectedSet(m NotificationGaConnectedSet, version uint8) (uint8, []byte, error) {
	withVersions := version >= Version2 && connectedSetHasVersions(m)
	body := appendU32(appendAgent(nil, m.Agent), uint32(len(m.Meters)))
	for _, cm := range m.Meters {
		body = appendMeterID(body, cm.ID)
		if withVersions {
			var sw domain.Version
			if cm.SoftwareVersion != nil {
				sw = *cm.SoftwareVersion
			}
			body = appendVersion(body, sw)
			var opts uint8
			if cm.DeviceOptions != nil {
				opts = *cm.DeviceOptions
			}
			body = append(body, opts)
		}
	}
	return boolFlag(withVersions, flagHasVersions), body, nil
}

// connectedSetHasVersions reports whether every entry carries version
// information; mixed sets encode bare, the tolerant form.
func connectedSetHasVersions(m NotificationGaConnectedSet) bool {
	if len(m.Meters) == 0 {
		return false
	}
	for _, cm := range m.Meters {
		if cm.SoftwareVersion == nil || cm.DeviceOptions == nil {
			return false
		}
	}
	return true
}

func encodeVersionInfo(m NotificationGaVersionInfo) []byte {
	body := appendAgent(nil, m.Agent)
	body = append(body, m.DeviceType, 0, 0, 0)
	body = appendU32(body, uint32(m.Serial))
	body = appendVersion(body, m.HardwareVersion)
	body = append(body, 0)
	body = appendVersion(body, m.SoftwareVersion)
	body = append(body, 0)
	return body
}

func encodeEventLog(m NotificationGaEventLog) []byte {
	text := make([]byte, 0, len(m.Text))
	for _, r := range m.Text {
		if r > 0xFF {
			r = '?'
		}
		text = append(text, byte(r))
	}
	body := appendU32(appendAgent(nil, m.Agent), toWireTime(m.Timestamp))
	body = appendU32(body, m.Code)
	body = appendU16(body, uint16(len(text)))
	return append(body, text...)
}

func boolFlag(set bool, bit uint8) uint8 {
	if set {
		return bit
	}
	return 0
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendU64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// appendAgent writes the 8-byte agent field: two zero bytes then the
// 6-byte MAC.
func appendAgent(b []byte, mac domain.MAC) []byte {
	raw := mac.Bytes()
	b = append(b, 0, 0)
	return append(b, raw[:]...)
}

func appendMeterID(b []byte, id domain.MeterID) []byte {
	return appendU64(b, uint64(id))
}

func appendVersion(b []byte, v domain.Version) []byte {
	b = append(b, v.Major, v.Minor, v.Revision)
	return append(b, latin1Bytes(v.RevisionString, revisionStringSize)...)
}
