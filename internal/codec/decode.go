package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/gridwise/gridagent-server/internal/domain"
)

// Decode parses one complete frame at the given protocol version.
func Decode(frame []byte, version uint8) (Message, error) {
	h, err := decodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if int(h.Length) != len(frame) {
		return nil, fmt.Errorf("%w: declared length %d, frame is %d bytes", domain.ErrMalformedFrame, h.Length, len(frame))
	}
	return decodeBody(h.Type, h.Flags, frame[HeaderSize:], version)
}

func decodeBody(t Type, flags uint8, body []byte, version uint8) (Message, error) {
	if version < MinVersion || version > MaxVersion {
		return nil, fmt.Errorf("%w: version %d", domain.ErrVersionUnsupported, version)
	}
	if minV := minVersionFor(t); minV == 0 || version < minV {
		return nil, fmt.Errorf("%w: type %d at version %d", domain.ErrUnknownType, t, version)
	}

	c := &cursor{buf: body}
	var m Message
	switch t {
	case TypeConfigGaRulesets:
		m = decodeRulesets(c)
	case TypeConfigGaTime:
		m = ConfigGaTime{Timestamp: fromWireTime(c.u32())}
	case TypeConfigGaPrices:
		m = decodePrices(c)
	case TypeConfigGaSoftware:
		m = decodeGaSoftware(c, version)
	case TypeConfigGpSoftware:
		m = decodeGpSoftware(c, version)
	case TypeCommandGaPollMeasurements:
		m = CommandGaPollMeasurements{}
	case TypeCommandGaPropagateTime:
		m = CommandGaPropagateTime{}
	case TypeCommandGpSwitchControl:
		m = CommandGpSwitchControl{Meter: c.meterID(), Manual: flags&flagManual != 0}
	case TypeCommandGpSwitchRelay:
		m = CommandGpSwitchRelay{Meter: c.meterID(), RelayOn: flags&flagRelayOn != 0}
	case TypeNotificationGaMeasurements:
		m = decodeMeasurements(c)
	case TypeNotificationGaAddMode:
		m = NotificationGaAddMode{
			Agent:     c.agent(),
			AddMode:   flags&flagAddMode != 0,
			Timestamp: fromWireTime(c.u32()),
		}
	case TypeNotificationGaTime:
		m = NotificationGaTime{Agent: c.agent(), Timestamp: fromWireTime(c.u32())}
	case TypeNotificationGaConnectedSet:
		m = decodeConnectedSet(c, flags, version)
	case TypeNotificationGpState:
		m = NotificationGpState{
			Agent:     c.agent(),
			Meter:     c.meterID(),
			RelayOn:   flags&flagRelayOn != 0,
			Manual:    flags&flagStateManual != 0,
			Timestamp: fromWireTime(c.u32()),
		}
	case TypeNotificationGaVersionInfo:
		m = decodeVersionInfo(c)
	case TypeNotificationGaEventLog:
		m = decodeEventLog(c)
	case TypeAcknowledgementGaSoftware:
		m = AcknowledgementGaSoftware{Agent: c.agent()}
	case TypeErrorGaSoftware:
		m = ErrorGaSoftware{Agent: c.agent(), Code: c.u32()}
	case TypeAcknowledgementGpSoftware:
		m = AcknowledgementGpSoftware{Agent: c.agent(), Meter: c.meterID()}
	case TypeErrorGpSoftware:
		m = ErrorGpSoftware{Agent: c.agent(), Meter: c.meterID(), Code: c.u32()}
	default:
		return nil, fmt.Errorf("%w: type code %d", domain.ErrUnknownType, t)
	}

	if err := c.finish(t); err != nil {
		return nil, err
	}
	return m, nil
}

// minVersionFor returns the first protocol version that knows the type,
// or 0 for codes never assigned.
func minVersionFor(t Type) uint8 {
	switch t {
	case TypeConfigGaRulesets, TypeConfigGaTime, TypeConfigGaPrices,
		TypeCommandGaPollMeasurements, TypeCommandGaPropagateTime,
		TypeCommandGpSwitchControl, TypeCommandGpSwitchRelay,
		TypeNotificationGaMeasurements, TypeNotificationGaAddMode,
		TypeNotificationGaTime, TypeNotificationGaConnectedSet,
		TypeNotificationGpState, TypeNotificationGaVersionInfo,
		TypeNotificationGaEventLog:
		return Version1
	case TypeConfigGaSoftware, TypeConfigGpSoftware,
		TypeAcknowledgementGaSoftware, TypeErrorGaSoftware,
		TypeAcknowledgementGpSoftware, TypeErrorGpSoftware:
		return Version2
	}
	return 0
}

func decodeRulesets(c *cursor) Message {
	count := c.u32()
	m := ConfigGaRulesets{}
	for i := uint32(0); i < count && c.ok(); i++ {
		rs := Ruleset{OverrideTimeout: c.u32()}
		ruleCount := c.u16()
		endpointCount := c.u16()
		for r := uint16(0); r < ruleCount && c.ok(); r++ {
			c.skip(3)
			rule := Rule{Action: RuleAction(c.u8())}
			rule.TimeBegin = c.u32()
			rule.TimeEnd = c.u32()
			rs.Rules = append(rs.Rules, rule)
		}
		for e := uint16(0); e < endpointCount && c.ok(); e++ {
			rs.Endpoints = append(rs.Endpoints, c.meterID())
		}
		m.Rulesets = append(m.Rulesets, rs)
	}
	return m
}

func decodePrices(c *cursor) Message {
	c.skip(2)
	count := c.u16()
	m := ConfigGaPrices{}
	for i := uint16(0); i < count && c.ok(); i++ {
		p := Price{
			Start: fromWireTime(c.u32()),
			End:   fromWireTime(c.u32()),
			Price: int32(c.u32()),
		}
		m.Prices = append(m.Prices, p)
	}
	return m
}

func decodeSoftwarePrelude(c *cursor, version uint8) (sw domain.Version, hwModel uint16, target domain.Version) {
	sw = c.version()
	c.skip(1)
	hwModel = c.u16()
	c.skip(2)
	if version >= Version3 {
		target = c.version()
		c.skip(1)
	}
	return sw, hwModel, target
}

func decodeGaSoftware(c *cursor, version uint8) Message {
	sw, hwModel, target := decodeSoftwarePrelude(c, version)
	return ConfigGaSoftware{
		SoftwareVersion:       sw,
		HardwareModel:         hwModel,
		TargetHardwareVersion: target,
		Image:                 c.bytes(int(c.u32())),
	}
}

func decodeGpSoftware(c *cursor, version uint8) Message {
	sw, hwModel, target := decodeSoftwarePrelude(c, version)
	m := ConfigGpSoftware{
		SoftwareVersion:       sw,
		HardwareModel:         hwModel,
		TargetHardwareVersion: target,
	}
	meterCount := c.u32()
	for i := uint32(0); i < meterCount && c.ok(); i++ {
		m.Meters = append(m.Meters, c.meterID())
	}
	m.Image = c.bytes(int(c.u32()))
	return m
}

func decodeMeasurements(c *cursor) Message {
	m := NotificationGaMeasurements{Agent: c.agent()}
	meterCount := c.u32()
	for i := uint32(0); i < meterCount && c.ok(); i++ {
		mm := MeterMeasurements{Meter: c.meterID()}
		setCount := c.u32()
		for s := uint32(0); s < setCount && c.ok(); s++ {
			set := MeasurementSet{Timestamp: fromWireTime(c.u32())}
			measCount := c.u32()
			for j := uint32(0); j < measCount && c.ok(); j++ {
				set.Measurements = append(set.Measurements, Measurement{
					DataType:    c.u8(),
					AgentUnit:   c.u8(),
					InputNumber: c.u16(),
					Value:       int64(c.u64()),
				})
			}
			mm.Sets = append(mm.Sets, set)
		}
		m.Meters = append(m.Meters, mm)
	}
	return m
}

func decodeConnectedSet(c *cursor, flags uint8, version uint8) Message {
	withVersions := version >= Version2 && flags&flagHasVersions != 0
	m := NotificationGaConnectedSet{Agent: c.agent()}
	meterCount := c.u32()
	for i := uint32(0); i < meterCount && c.ok(); i++ {
		cm := domain.ConnectedMeter{ID: c.meterID()}
		if withVersions {
			sw := c.version()
			opts := c.u8()
			cm.SoftwareVersion = &sw
			cm.DeviceOptions = &opts
		}
		m.Meters = append(m.Meters, cm)
	}
	return m
}

func decodeVersionInfo(c *cursor) Message {
	m := NotificationGaVersionInfo{Agent: c.agent(), DeviceType: c.u8()}
	c.skip(3)
	m.Serial = int32(c.u32())
	m.HardwareVersion = c.version()
	c.skip(1)
	m.SoftwareVersion = c.version()
	c.skip(1)
	return m
}

func decodeEventLog(c *cursor) Message {
	m := NotificationGaEventLog{
		Agent:     c.agent(),
		Timestamp: fromWireTime(c.u32()),
		Code:      c.u32(),
	}
	m.Text = latin1String(c.bytes(int(c.u16())))
	return m
}

// cursor walks a message body with total byte accounting. The first
// overrun latches failed; finish reports an error unless the body was
// consumed exactly.
type cursor struct {
	buf    []byte
	off    int
	failed bool
}

func (c *cursor) ok() bool { return !c.failed }

func (c *cursor) need(n int) bool {
	if c.failed || c.off+n > len(c.buf) {
		c.failed = true
		return false
	}
	return true
}

func (c *cursor) skip(n int) {
	if c.need(n) {
		c.off += n
	}
}

func (c *cursor) u8() uint8 {
	if !c.need(1) {
		return 0
	}
	v := c.buf[c.off]
	c.off++
	return v
}

func (c *cursor) u16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(c.buf[c.off:])
	c.off += 2
	return v
}

func (c *cursor) u32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v
}

func (c *cursor) u64() uint64 {
	if !c.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v
}

func (c *cursor) bytes(n int) []byte {
	if n < 0 || !c.need(n) {
		c.failed = true
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, c.buf[c.off:c.off+n])
	c.off += n
	return out
}

// agent reads the 8-byte agent field (2 bytes padding, 6-byte MAC).
func (c *cursor) agent() domain.MAC {
	if !c.need(8) {
		return 0
	}
	mac := domain.MACFromBytes(c.buf[c.off+2 : c.off+8])
	c.off += 8
	return mac
}

func (c *cursor) meterID() domain.MeterID {
	return domain.MeterID(c.u64())
}

func (c *cursor) version() domain.Version {
	if !c.need(versionWireSize) {
		return domain.Version{}
	}
	v := domain.Version{
		Major:    c.buf[c.off],
		Minor:    c.buf[c.off+1],
		Revision: c.buf[c.off+2],
	}
	v.RevisionString = latin1String(c.buf[c.off+3 : c.off+versionWireSize])
	c.off += versionWireSize
	return v
}

func (c *cursor) finish(t Type) error {
	if c.failed {
		return fmt.Errorf("%w: type %d body truncated", domain.ErrMalformedFrame, t)
	}
	if c.off != len(c.buf) {
		return fmt.Errorf("%w: type %d left %d trailing bytes", domain.ErrMalformedFrame, t, len(c.buf)-c.off)
	}
	return nil
}
