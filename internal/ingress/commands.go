package ingress

import (
	"encoding/json"
	"fmt"

	"github.com/gridwise/gridagent-server/internal/codec"
	"github.com/gridwise/gridagent-server/internal/domain"
)

// Backend command names carried in the envelope's command field.
const (
	CommandControlMode = "control_mode"
	CommandRelayState  = "relay_state"
	CommandGaSoftware  = "gridagent_software"
	CommandGaRules     = "gridagent_rules"
)

// envelope is the JSON command envelope published on the exchange.
// Fields beyond command and agent are command-specific.
type envelope struct {
	Command string `json:"command"`
	Agent   string `json:"agent"`

	ControlManual *bool      `json:"control_manual,omitempty"`
	RelayOn       *bool      `json:"relay_on,omitempty"`
	Meters        []meterRef `json:"meters,omitempty"`

	SWVersion       *versionRef `json:"sw_version,omitempty"`
	HWModel         uint16      `json:"hw_model,omitempty"`
	TargetHWVersion *versionRef `json:"target_hw_version,omitempty"`
	Image           []byte      `json:"image,omitempty"`

	Rulesets []rulesetRef `json:"rulesets,omitempty"`
}

type meterRef struct {
	ConnectionType uint8  `json:"connection_type"`
	ID             uint64 `json:"id"`
}

func (m meterRef) meterID() domain.MeterID {
	return domain.NewMeterID(m.ConnectionType, m.ID)
}

type versionRef struct {
	Major          uint8  `json:"major"`
	Minor          uint8  `json:"minor"`
	Revision       uint8  `json:"revision"`
	RevisionString string `json:"revstring,omitempty"`
}

func (v *versionRef) version() domain.Version {
	if v == nil {
		return domain.Version{}
	}
	return domain.Version{
		Major:          v.Major,
		Minor:          v.Minor,
		Revision:       v.Revision,
		RevisionString: v.RevisionString,
	}
}

type rulesetRef struct {
	OverrideTimeout uint32     `json:"override_timeout,omitempty"`
	Meters          []meterRef `json:"meters"`
	Rules           []ruleRef  `json:"rules"`
}

type ruleRef struct {
	StartTime uint32 `json:"start_time"`
	EndTime   uint32 `json:"end_time"`
	RelayOn   bool   `json:"relay_on"`
}

// parseEnvelope validates the envelope and resolves the target agent.
func parseEnvelope(body []byte) (envelope, domain.MAC, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, 0, fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err)
	}
	if env.Command == "" {
		return envelope{}, 0, fmt.Errorf("%w: missing command field", domain.ErrInvalidEnvelope)
	}
	mac, err := domain.ParseMAC(env.Agent)
	if err != nil {
		return envelope{}, 0, fmt.Errorf("%w: agent %q", domain.ErrInvalidEnvelope, env.Agent)
	}
	return env, mac, nil
}

// translate turns an envelope into the outbound protocol messages it
// stands for. Per-meter commands expand into one message per meter.
func translate(env envelope) ([]codec.Message, error) {
	switch env.Command {
	case CommandControlMode:
		if env.ControlManual == nil {
			return nil, fmt.Errorf("%w: control_mode without control_manual", domain.ErrInvalidEnvelope)
		}
		msgs := make([]codec.Message, 0, len(env.Meters))
		for _, m := range env.Meters {
			msgs = append(msgs, codec.CommandGpSwitchControl{Meter: m.meterID(), Manual: *env.ControlManual})
		}
		return msgs, nil

	case CommandRelayState:
		if env.RelayOn == nil {
			return nil, fmt.Errorf("%w: relay_state without relay_on", domain.ErrInvalidEnvelope)
		}
		msgs := make([]codec.Message, 0, len(env.Meters))
		for _, m := range env.Meters {
			msgs = append(msgs, codec.CommandGpSwitchRelay{Meter: m.meterID(), RelayOn: *env.RelayOn})
		}
		return msgs, nil

	case CommandGaSoftware:
		if env.SWVersion == nil {
			return nil, fmt.Errorf("%w: gridagent_software without sw_version", domain.ErrInvalidEnvelope)
		}
		return []codec.Message{codec.ConfigGaSoftware{
			SoftwareVersion:       env.SWVersion.version(),
			HardwareModel:         env.HWModel,
			TargetHardwareVersion: env.TargetHWVersion.version(),
			Image:                 env.Image,
		}}, nil

	case CommandGaRules:
		rulesets := make([]codec.Ruleset, 0, len(env.Rulesets))
		for _, rs := range env.Rulesets {
			set := codec.Ruleset{OverrideTimeout: rs.OverrideTimeout}
			for _, r := range rs.Rules {
				action := codec.ActionOff
				if r.RelayOn {
					action = codec.ActionOn
				}
				set.Rules = append(set.Rules, codec.Rule{
					Action:    action,
					TimeBegin: r.StartTime,
					TimeEnd:   r.EndTime,
				})
			}
			for _, m := range rs.Meters {
				set.Endpoints = append(set.Endpoints, m.meterID())
			}
			rulesets = append(rulesets, set)
		}
		return []codec.Message{codec.ConfigGaRulesets{Rulesets: rulesets}}, nil
	}

	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownCommand, env.Command)
}
