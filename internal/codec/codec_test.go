package codec

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/gridwise/gridagent-server/internal/domain"
)

func mustMAC(t *testing.T, s string) domain.MAC {
	t.Helper()
	mac, err := domain.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC(%q): %v", s, err)
	}
	return mac
}

func TestEncode_ConfigGaTime_Bytes(t *testing.T) {
	m := ConfigGaTime{Timestamp: time.Date(2000, 1, 1, 7, 30, 0, 0, time.UTC)}

	got, err := Encode(m, Version1)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 0x0C, 0x00, 0x00, 0x03, 0x00,
		0x00, 0x00, 0x69, 0x78,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = % X, want % X", got, want)
	}
}

func TestEncode_CommandGpSwitchRelay_Bytes(t *testing.T) {
	m := CommandGpSwitchRelay{Meter: domain.MeterID(0x1234567812345678), RelayOn: true}

	got, err := Encode(m, Version1)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x0A, 0x01,
		0x12, 0x34, 0x56, 0x78, 0x12, 0x34, 0x56, 0x78,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = % X, want % X", got, want)
	}
}

func TestEncode_CommandGpSwitchControl_Bytes(t *testing.T) {
	m := CommandGpSwitchControl{Meter: domain.MeterID(0x1234567812345678), Manual: true}

	got, err := Encode(m, Version1)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x09, 0x01,
		0x12, 0x34, 0x56, 0x78, 0x12, 0x34, 0x56, 0x78,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = % X, want % X", got, want)
	}
}

func TestEncode_EmptyBodyCommands_Bytes(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want []byte
	}{
		{
			name: "poll measurements",
			msg:  CommandGaPollMeasurements{},
			want: []byte{0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0x07, 0x00},
		},
		{
			name: "propagate time",
			msg:  CommandGaPropagateTime{},
			want: []byte{0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0x08, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.msg, Version1)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestEncode_ConfigGaPrices_Bytes(t *testing.T) {
	m := ConfigGaPrices{Prices: []Price{
		{
			Start: fromWireTime(100),
			End:   fromWireTime(200),
			Price: -5,
		},
	}}

	got, err := Encode(m, Version1)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 0x18, 0x00, 0x00, 0x04, 0x00,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x64,
		0x00, 0x00, 0x00, 0xC8,
		0xFF, 0xFF, 0xFF, 0xFB,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = % X, want % X", got, want)
	}
}

func TestEncode_ConfigGaRulesets_Bytes(t *testing.T) {
	m := ConfigGaRulesets{Rulesets: []Ruleset{
		{
			OverrideTimeout: 0,
			Rules:           []Rule{{Action: ActionOn, TimeBegin: 0, TimeEnd: 604800}},
			Endpoints:       []domain.MeterID{0xAABBCC},
		},
	}}

	got, err := Encode(m, Version1)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	want := []byte{
		0x00, 0x00, 0x00, 0x28, 0x00, 0x00, 0x02, 0x00,
		0x00, 0x00, 0x00, 0x01, // ruleset count
		0x00, 0x00, 0x00, 0x00, // override timeout
		0x00, 0x01, // rule count
		0x00, 0x01, // endpoint count
		0x00, 0x00, 0x00, 0x01, // padding + action on
		0x00, 0x00, 0x00, 0x00, // begin
		0x00, 0x09, 0x3A, 0x80, // end = 604800
		0x00, 0x00, 0x00, 0x00, 0x00, 0xAA, 0xBB, 0xCC, // endpoint
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = % X, want % X", got, want)
	}
}

func TestRoundTrip_Rulesets_TwoSets(t *testing.T) {
	m := ConfigGaRulesets{Rulesets: []Ruleset{
		{
			OverrideTimeout: 0,
			Rules:           []Rule{{Action: ActionOn, TimeBegin: 0, TimeEnd: 604800}},
			Endpoints:       []domain.MeterID{0xAABBCC},
		},
		{
			OverrideTimeout: 15,
			Rules: []Rule{
				{Action: ActionOn, TimeBegin: 5, TimeEnd: 15},
				{Action: ActionOff, TimeBegin: 0, TimeEnd: 604800},
			},
			Endpoints: []domain.MeterID{0xABC, 0xDEF},
		},
	}}

	buf, err := Encode(m, Version2)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	back, err := Decode(buf, Version2)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if !reflect.DeepEqual(back, m) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", back, m)
	}
}

// roundTripMessages covers every message type with representative values.
func roundTripMessages(t *testing.T) []Message {
	mac := mustMAC(t, "aa:bb:cc:dd:ee:ff")
	swVersion := domain.Version{Major: 2, Minor: 3, Revision: 0, RevisionString: "rc1"}
	hwVersion := domain.Version{Major: 1, Minor: 0, Revision: 4, RevisionString: "B"}
	opts := uint8(3)

	return []Message{
		ConfigGaRulesets{Rulesets: []Ruleset{{
			OverrideTimeout: 60,
			Rules:           []Rule{{Action: ActionOff, TimeBegin: 120, TimeEnd: 360}},
			Endpoints:       []domain.MeterID{domain.NewMeterID(1, 42)},
		}}},
		ConfigGaTime{Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		ConfigGaPrices{Prices: []Price{{Start: fromWireTime(10), End: fromWireTime(20), Price: 2150}}},
		ConfigGaSoftware{
			SoftwareVersion:       swVersion,
			HardwareModel:         7,
			TargetHardwareVersion: hwVersion,
			Image:                 []byte{0xDE, 0xAD, 0xBE, 0xEF},
		},
		ConfigGpSoftware{
			SoftwareVersion:       swVersion,
			HardwareModel:         7,
			TargetHardwareVersion: hwVersion,
			Meters:                []domain.MeterID{domain.NewMeterID(1, 5), domain.NewMeterID(2, 6)},
			Image:                 []byte{0x01, 0x02},
		},
		CommandGaPollMeasurements{},
		CommandGaPropagateTime{},
		CommandGpSwitchControl{Meter: domain.NewMeterID(1, 5), Manual: true},
		CommandGpSwitchRelay{Meter: domain.NewMeterID(1, 5), RelayOn: false},
		NotificationGaMeasurements{
			Agent: mac,
			Meters: []MeterMeasurements{{
				Meter: domain.NewMeterID(1, 5),
				Sets: []MeasurementSet{{
					Timestamp: fromWireTime(500000),
					Measurements: []Measurement{
						{DataType: 1, AgentUnit: 2, InputNumber: 0, Value: 1234},
						{DataType: 4, AgentUnit: 6, InputNumber: 1, Value: -40},
					},
				}},
			}},
		},
		NotificationGaAddMode{Agent: mac, AddMode: true, Timestamp: fromWireTime(1000)},
		NotificationGaTime{Agent: mac, Timestamp: fromWireTime(2000)},
		NotificationGaConnectedSet{Agent: mac, Meters: []domain.ConnectedMeter{
			{ID: domain.NewMeterID(1, 5), SoftwareVersion: &swVersion, DeviceOptions: &opts},
			{ID: domain.NewMeterID(1, 6), SoftwareVersion: &swVersion, DeviceOptions: &opts},
		}},
		NotificationGpState{Agent: mac, Meter: domain.NewMeterID(1, 5), RelayOn: true, Manual: false, Timestamp: fromWireTime(3000)},
		NotificationGaVersionInfo{
			Agent:           mac,
			DeviceType:      2,
			Serial:          991234,
			HardwareVersion: hwVersion,
			SoftwareVersion: swVersion,
		},
		NotificationGaEventLog{Agent: mac, Timestamp: fromWireTime(4000), Code: 17, Text: "relay stuck"},
		AcknowledgementGaSoftware{Agent: mac},
		ErrorGaSoftware{Agent: mac, Code: 3},
		AcknowledgementGpSoftware{Agent: mac, Meter: domain.NewMeterID(1, 5)},
		ErrorGpSoftware{Agent: mac, Meter: domain.NewMeterID(1, 5), Code: 9},
	}
}

func TestRoundTrip_AllTypes_Version2(t *testing.T) {
	for _, m := range roundTripMessages(t) {
		buf, err := Encode(m, Version2)
		if err != nil {
			t.Errorf("Encode(%T, v2) error: %v", m, err)
			continue
		}
		back, err := Decode(buf, Version2)
		if err != nil {
			t.Errorf("Decode(%T, v2) error: %v", m, err)
			continue
		}
		if !reflect.DeepEqual(back, m) {
			t.Errorf("%T round trip mismatch at v2:\n got %#v\nwant %#v", m, back, m)
		}
	}
}

func TestRoundTrip_SoftwarePush_Version3(t *testing.T) {
	// TargetHardwareVersion travels only at version 3; round trip must
	// preserve it there.
	msgs := []Message{
		ConfigGaSoftware{
			SoftwareVersion:       domain.Version{Major: 2, Minor: 4, Revision: 1},
			HardwareModel:         3,
			TargetHardwareVersion: domain.Version{Major: 1, Minor: 2, Revision: 0, RevisionString: "a"},
			Image:                 bytes.Repeat([]byte{0x55}, 1024),
		},
		ConfigGpSoftware{
			SoftwareVersion:       domain.Version{Major: 2, Minor: 4, Revision: 1},
			HardwareModel:         3,
			TargetHardwareVersion: domain.Version{Major: 1, Minor: 2, Revision: 0},
			Meters:                []domain.MeterID{domain.NewMeterID(2, 99)},
			Image:                 []byte{0xAB},
		},
	}

	for _, m := range msgs {
		buf, err := Encode(m, Version3)
		if err != nil {
			t.Fatalf("Encode(%T, v3) error: %v", m, err)
		}
		back, err := Decode(buf, Version3)
		if err != nil {
			t.Fatalf("Decode(%T, v3) error: %v", m, err)
		}
		if !reflect.DeepEqual(back, m) {
			t.Errorf("%T round trip mismatch at v3:\n got %#v\nwant %#v", m, back, m)
		}
	}
}

func TestEncode_SoftwarePush_Version2_DropsTargetVersion(t *testing.T) {
	m := ConfigGaSoftware{
		SoftwareVersion:       domain.Version{Major: 2, Minor: 4, Revision: 1},
		TargetHardwareVersion: domain.Version{Major: 9, Minor: 9, Revision: 9},
		Image:                 []byte{0x01},
	}

	buf, err := Encode(m, Version2)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	back, err := Decode(buf, Version2)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	got := back.(ConfigGaSoftware)
	if !got.TargetHardwareVersion.IsZero() {
		t.Errorf("TargetHardwareVersion = %v at v2, want zero", got.TargetHardwareVersion)
	}
}

func TestEncode_SoftwarePush_Version1_Unsupported(t *testing.T) {
	m := ConfigGaSoftware{Image: []byte{0x01}}
	if _, err := Encode(m, Version1); !errors.Is(err, domain.ErrVersionUnsupported) {
		t.Errorf("Encode(v1) error = %v, want ErrVersionUnsupported", err)
	}
}

func TestDecode_SoftwareType_Version1_UnknownType(t *testing.T) {
	buf, err := Encode(AcknowledgementGaSoftware{Agent: mustMAC(t, "aabbccddeeff")}, Version2)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if _, err := Decode(buf, Version1); !errors.Is(err, domain.ErrUnknownType) {
		t.Errorf("Decode(v1) error = %v, want ErrUnknownType", err)
	}
}

func TestDecode_ConnectedSet_LegacyWithoutVersions(t *testing.T) {
	mac := mustMAC(t, "aabbccddeeff")
	opts := uint8(1)
	sw := domain.Version{Major: 2, Minor: 3, Revision: 0}
	m := NotificationGaConnectedSet{Agent: mac, Meters: []domain.ConnectedMeter{
		{ID: domain.NewMeterID(1, 5), SoftwareVersion: &sw, DeviceOptions: &opts},
	}}

	// Version 1 never carries versions: they are dropped on encode and
	// absent after decode.
	buf, err := Encode(m, Version1)
	if err != nil {
		t.Fatalf("Encode(v1) error: %v", err)
	}
	back, err := Decode(buf, Version1)
	if err != nil {
		t.Fatalf("Decode(v1) error: %v", err)
	}
	got := back.(NotificationGaConnectedSet)
	if len(got.Meters) != 1 {
		t.Fatalf("decoded %d meters, want 1", len(got.Meters))
	}
	if got.Meters[0].SoftwareVersion != nil || got.Meters[0].DeviceOptions != nil {
		t.Errorf("legacy decode carried versions/opts: %#v", got.Meters[0])
	}
}

func TestEncode_ConnectedSet_MixedEntriesEncodeBare(t *testing.T) {
	mac := mustMAC(t, "aabbccddeeff")
	sw := domain.Version{Major: 2, Minor: 3, Revision: 0}
	m := NotificationGaConnectedSet{Agent: mac, Meters: []domain.ConnectedMeter{
		{ID: domain.NewMeterID(1, 5), SoftwareVersion: &sw},
		{ID: domain.NewMeterID(1, 6)},
	}}

	buf, err := Encode(m, Version2)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if buf[7]&flagHasVersions != 0 {
		t.Errorf("mixed connected set encoded with versions flag set")
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{
			name: "header too short",
			buf:  []byte{0x00, 0x00, 0x00},
			want: domain.ErrMalformedFrame,
		},
		{
			name: "declared length below header",
			buf:  []byte{0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x03, 0x00},
			want: domain.ErrMalformedFrame,
		},
		{
			name: "nonzero padding",
			buf:  []byte{0x00, 0x00, 0x00, 0x08, 0x01, 0x00, 0x07, 0x00},
			want: domain.ErrMalformedFrame,
		},
		{
			name: "length disagrees with body",
			buf:  []byte{0x00, 0x00, 0x00, 0x0C, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00},
			want: domain.ErrMalformedFrame,
		},
		{
			name: "trailing bytes beyond body",
			buf: []byte{
				0x00, 0x00, 0x00, 0x0D, 0x00, 0x00, 0x03, 0x00,
				0x00, 0x00, 0x69, 0x78, 0xFF,
			},
			want: domain.ErrMalformedFrame,
		},
		{
			name: "unknown type code",
			buf:  []byte{0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0xEE, 0x00},
			want: domain.ErrUnknownType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.buf, Version2); !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReaderWriter_Stream(t *testing.T) {
	mac := mustMAC(t, "aabbccddeeff")
	var buf bytes.Buffer
	w := NewWriter(&buf, Version2)

	msgs := []Message{
		NotificationGaTime{Agent: mac, Timestamp: fromWireTime(100)},
		CommandGaPollMeasurements{},
		NotificationGaEventLog{Agent: mac, Timestamp: fromWireTime(200), Code: 1, Text: "boot"},
	}
	for _, m := range msgs {
		if err := w.Write(m); err != nil {
			t.Fatalf("Write(%T) error: %v", m, err)
		}
	}

	r := NewReader(&buf, Version2)
	for i, want := range msgs {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next() #%d error: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Next() #%d = %#v, want %#v", i, got, want)
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next() at end error = %v, want io.EOF", err)
	}
}

func TestLatin1RevisionString(t *testing.T) {
	v := domain.Version{Major: 1, Minor: 0, Revision: 0, RevisionString: "bét"}
	m := NotificationGaVersionInfo{
		Agent:           mustMAC(t, "aabbccddeeff"),
		HardwareVersion: v,
		SoftwareVersion: v,
	}

	buf, err := Encode(m, Version2)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	back, err := Decode(buf, Version2)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	got := back.(NotificationGaVersionInfo)
	if got.SoftwareVersion.RevisionString != "bét" {
		t.Errorf("RevisionString = %q, want %q", got.SoftwareVersion.RevisionString, "bét")
	}
}
