package relay

import (
	"encoding/json"
	"fmt"
)

// UserConfig holds the per-chat (or per-user) overrides that can be set
// with /setenv. The field set is the schema: a stored key is applied only
// when it exists here and its value matches the field's type.
type UserConfig struct {
	SystemInitMessage string         `json:"SYSTEM_INIT_MESSAGE"`
	ModelParams       map[string]any `json:"OPENAI_API_EXTRA_PARAMS"`
}

func (p *Pipeline) defaultUserConfig() UserConfig {
	return UserConfig{
		SystemInitMessage: p.cfg.History.InitMessage,
		ModelParams:       map[string]any{},
	}
}

// mergeUserConfig applies a stored JSON document onto the defaults.
// Unknown keys and type-mismatched values are dropped, never applied, so
// a corrupted or hostile stored record cannot inject fields.
func mergeUserConfig(defaults UserConfig, raw string) UserConfig {
	merged := defaults

	var stored map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return defaults
	}

	if v, ok := stored["SYSTEM_INIT_MESSAGE"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			merged.SystemInitMessage = s
		}
	}
	if v, ok := stored["OPENAI_API_EXTRA_PARAMS"]; ok {
		var m map[string]any
		if err := json.Unmarshal(v, &m); err == nil && m != nil {
			merged.ModelParams = m
		}
	}

	return merged
}

// Apply sets one configuration field from its /setenv textual form. The
// key must be part of the schema and the value must parse as the field's
// type.
func (c *UserConfig) Apply(key, value string) error {
	switch key {
	case "SYSTEM_INIT_MESSAGE":
		c.SystemInitMessage = value
	case "OPENAI_API_EXTRA_PARAMS":
		var m map[string]any
		if err := json.Unmarshal([]byte(value), &m); err != nil || m == nil {
			return fmt.Errorf("value for %s must be a JSON object", key)
		}
		c.ModelParams = m
	default:
		return fmt.Errorf("unsupported configuration item or data type error")
	}
	return nil
}
