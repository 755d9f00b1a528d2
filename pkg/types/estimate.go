package types

import (
	"encoding/json"
	"math"
)

// Estimate is a figure that is either a usable finite number or explicitly
// undefined with a reason. The number is only reachable through Get, so an
// undefined ratio cannot leak into further arithmetic as an Inf or NaN.
type Estimate struct {
	value  float64
	ok     bool
	reason string
}

// Defined wraps a usable value. Non-finite input is turned into an undefined
// estimate.
func Defined(v float64) Estimate {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Undefined("non-finite value")
	}
	return Estimate{value: v, ok: true}
}

// Undefined marks a figure as degenerate.
func Undefined(reason string) Estimate {
	return Estimate{reason: reason}
}

// Get returns the value and whether it is defined.
func (e Estimate) Get() (float64, bool) { return e.value, e.ok }

// OK reports whether the estimate holds a usable value.
func (e Estimate) OK() bool { return e.ok }

// Reason explains an undefined estimate. Empty when defined.
func (e Estimate) Reason() string { return e.reason }

// Or returns the value, or fallback when undefined.
func (e Estimate) Or(fallback float64) float64 {
	if !e.ok {
		return fallback
	}
	return e.value
}

type estimateJSON struct {
	Value      *float64 `json:"value,omitempty"`
	Degenerate bool     `json:"degenerate,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// MarshalJSON encodes {"value": v} or {"degenerate": true, "reason": ...}.
func (e Estimate) MarshalJSON() ([]byte, error) {
	if e.ok {
		v := e.value
		return json.Marshal(estimateJSON{Value: &v})
	}
	return json.Marshal(estimateJSON{Degenerate: true, Reason: e.reason})
}

// UnmarshalJSON decodes the MarshalJSON form.
func (e *Estimate) UnmarshalJSON(data []byte) error {
	var raw estimateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Value != nil && !raw.Degenerate {
		*e = Defined(*raw.Value)
		return nil
	}
	*e = Undefined(raw.Reason)
	return nil
}

func (e Estimate) String() string {
	if !e.ok {
		return "undefined (" + e.reason + ")"
	}
	b, _ := json.Marshal(e.value)
	return string(b)
}
