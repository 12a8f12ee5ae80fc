package spec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/loomhq/loom/pkg/types"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// "quantity" validates cluster-manager resource strings ("100m", "256Mi").
	_ = v.RegisterValidation("quantity", func(fl validator.FieldLevel) bool {
		_, err := resource.ParseQuantity(fl.Field().String())
		return err == nil
	})
	return v
}

// Parse strictly decodes a ServiceSpec document. Unknown fields are rejected
// so malformed intent fails at admission instead of being silently dropped.
func Parse(raw []byte) (*types.ServiceSpec, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var s types.ServiceSpec
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("invalid service spec: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid service spec: trailing data")
	}
	return &s, nil
}

// Canonicalize returns the canonical JSON encoding of a spec: fixed field
// order, sorted map keys, no insignificant whitespace. Canonicalizing the
// output again yields identical bytes.
func Canonicalize(s *types.ServiceSpec) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("canonicalize spec: %w", err)
	}
	return data, nil
}

// Hash returns the hex SHA-256 of the canonical encoding. Two specs with the
// same declared intent always hash identically.
func Hash(s *types.ServiceSpec) (string, error) {
	data, err := Canonicalize(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Validate checks a spec for admission. It combines tag-driven field checks
// with the structural rules the tags cannot express.
func Validate(s *types.ServiceSpec) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid service spec: %w", err)
	}

	if s.Image == "" {
		return fmt.Errorf("invalid service spec: image is required")
	}
	for _, p := range s.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid service spec: port %d out of range", p)
		}
	}
	if a := s.Autoscale; a != nil && a.Min > a.Max {
		return fmt.Errorf("invalid service spec: autoscale min %d exceeds max %d", a.Min, a.Max)
	}

	switch s.Strategy.Type {
	case types.StrategyRolling:
		if s.Strategy.Canary != nil || s.Strategy.BlueGreen != nil {
			return fmt.Errorf("invalid service spec: rolling strategy carries no params")
		}
	case types.StrategyCanary:
		if s.Strategy.Canary == nil {
			return fmt.Errorf("invalid service spec: canary strategy requires canary params")
		}
		if s.Strategy.BlueGreen != nil {
			return fmt.Errorf("invalid service spec: canary strategy carries blueGreen params")
		}
	case types.StrategyBlueGreen:
		if s.Strategy.BlueGreen == nil {
			return fmt.Errorf("invalid service spec: blueGreen strategy requires blueGreen params")
		}
		if s.Strategy.Canary != nil {
			return fmt.Errorf("invalid service spec: blueGreen strategy carries canary params")
		}
	default:
		return fmt.Errorf("invalid service spec: unknown strategy %q", s.Strategy.Type)
	}

	if g := s.HealthGate; g != nil && g.Enabled {
		if g.WindowSeconds <= 0 {
			return fmt.Errorf("invalid service spec: health gate window must be positive")
		}
		if g.FailureThreshold <= 0 {
			return fmt.Errorf("invalid service spec: health gate failureThreshold must be positive")
		}
	}

	return nil
}
