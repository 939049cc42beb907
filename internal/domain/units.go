package domain

// Unit is a semantic measurement unit.
type Unit string

// Semantic units known to the server.
const (
	UnitWatt        Unit = "W"
	UnitWattHour    Unit = "Wh"
	UnitVolt        Unit = "V"
	UnitAmpere      Unit = "A"
	UnitCubicMeter  Unit = "m3"
	UnitMillikelvin Unit = "mK"
	UnitHertz       Unit = "Hz"
	UnitPercent     Unit = "%"
	UnitLux         Unit = "lx"
	UnitPascal      Unit = "Pa"
)

// Wire unit codes. Codes are fixed by deployed agent firmware.
const (
	UnitCodeWatt        uint8 = 1
	UnitCodeWattHour    uint8 = 2
	UnitCodeVolt        uint8 = 3
	UnitCodeAmpere      uint8 = 4
	UnitCodeCubicMeter  uint8 = 5
	UnitCodeMillikelvin uint8 = 6
	UnitCodeHertz       uint8 = 7
	UnitCodePercent     uint8 = 8
	UnitCodeLux         uint8 = 9
	UnitCodePascal      uint8 = 10
)

var unitByCode = map[uint8]Unit{
	UnitCodeWatt:        UnitWatt,
	UnitCodeWattHour:    UnitWattHour,
	UnitCodeVolt:        UnitVolt,
	UnitCodeAmpere:      UnitAmpere,
	UnitCodeCubicMeter:  UnitCubicMeter,
	UnitCodeMillikelvin: UnitMillikelvin,
	UnitCodeHertz:       UnitHertz,
	UnitCodePercent:     UnitPercent,
	UnitCodeLux:         UnitLux,
	UnitCodePascal:      UnitPascal,
}

// UnitFromCode translates a wire unit code. ok is false for codes the
// server does not recognize; such inputs are skipped, not stored.
func UnitFromCode(code uint8) (Unit, bool) {
	u, ok := unitByCode[code]
	return u, ok
}

// MillikelvinOffset compensates agents that report Celsius on the
// millikelvin code path. Observable legacy contract; retire only when
// field agents on the old firmware are gone.
const MillikelvinOffset int64 = 273150

// AdjustValue applies unit-specific wire-to-storage compensation.
func AdjustValue(agentUnit uint8, value int64) int64 {
	if agentUnit == UnitCodeMillikelvin {
		return value + MillikelvinOffset
	}
	return value
}
