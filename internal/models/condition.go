package models

import (
	"encoding/json"
	"fmt"
)

// Condition is the categorical sky/precipitation state, ordered by severity.
type Condition string

const (
	Clear        Condition = "clear"
	MostlyClear  Condition = "mostly_clear"
	PartlyCloudy Condition = "partly_cloudy"
	Overcast     Condition = "overcast"
	Fog          Condition = "fog"
	Drizzle      Condition = "drizzle"
	Rain         Condition = "rain"
	Snow         Condition = "snow"
	Storm        Condition = "storm"
)

// severityOrder is indexed by severity (0 = clear ... 8 = storm).
var severityOrder = []Condition{Clear, MostlyClear, PartlyCloudy, Overcast, Fog, Drizzle, Rain, Snow, Storm}

// MaxSeverity is the severity of the most severe condition.
var MaxSeverity = len(severityOrder) - 1

// Severity returns the ordinal of c, or -1 if c is not a known condition.
func (c Condition) Severity() int {
	for i, v := range severityOrder {
		if v == c {
			return i
		}
	}
	return -1
}

// Valid reports whether c is one of the nine known conditions.
func (c Condition) Valid() bool {
	return c.Severity() >= 0
}

// ConditionFromSeverity maps an ordinal back to a condition, clamping into [0, MaxSeverity].
func ConditionFromSeverity(s int) Condition {
	if s < 0 {
		s = 0
	}
	if s > MaxSeverity {
		s = MaxSeverity
	}
	return severityOrder[s]
}

// UnmarshalJSON rejects unknown condition names so corrupt cache entries surface as decode errors.
func (c *Condition) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := Condition(s)
	if !v.Valid() {
		return fmt.Errorf("unknown condition %q", s)
	}
	*c = v
	return nil
}

// ConditionFromWMO maps a WMO weather interpretation code (as used by Open-Meteo) to a
// Condition. ok is false for codes outside the WMO table.
func ConditionFromWMO(code int) (Condition, bool) {
	switch {
	case code == 0:
		return Clear, true
	case code == 1:
		return MostlyClear, true
	case code == 2:
		return PartlyCloudy, true
	case code == 3:
		return Overcast, true
	case code == 45 || code == 48:
		return Fog, true
	case code >= 51 && code <= 57:
		return Drizzle, true
	case (code >= 61 && code <= 67) || (code >= 80 && code <= 82):
		return Rain, true
	case (code >= 71 && code <= 77) || code == 85 || code == 86:
		return Snow, true
	case code == 95 || code == 96 || code == 99:
		return Storm, true
	default:
		return "", false
	}
}
