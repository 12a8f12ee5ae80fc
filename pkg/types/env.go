package types

import (
	"encoding/json"
	"fmt"
)

// envRef is the wire shape of a secret reference.
type envRef struct {
	FromSecret string `json:"fromSecret"`
}

// MarshalJSON encodes a literal value as a JSON string and a secret reference
// as {"fromSecret": "<group>.<key>"}.
func (e EnvValue) MarshalJSON() ([]byte, error) {
	if e.FromSecret != "" {
		return json.Marshal(envRef{FromSecret: e.FromSecret})
	}
	return json.Marshal(e.Value)
}

// UnmarshalJSON accepts either form. Any other shape is rejected so unknown
// fields fail at admission rather than being silently dropped.
func (e *EnvValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Value = s
		e.FromSecret = ""
		return nil
	}

	var ref envRef
	dec := jsonStrictDecoder(data)
	if err := dec.Decode(&ref); err != nil {
		return fmt.Errorf("env value must be a string or a secret reference: %w", err)
	}
	if ref.FromSecret == "" {
		return fmt.Errorf("env secret reference missing fromSecret")
	}
	e.Value = ""
	e.FromSecret = ref.FromSecret
	return nil
}

// IsSecret reports whether the value is a secret reference.
func (e EnvValue) IsSecret() bool {
	return e.FromSecret != ""
}
