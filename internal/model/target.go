package model

import (
	"encoding/json"
	"fmt"
)

// TargetKind tags which leg of an event a trade or order refers to.
type TargetKind string

const (
	TargetYes     TargetKind = "YES"
	TargetNo      TargetKind = "NO"
	TargetOutcome TargetKind = "OUTCOME"
)

// Target identifies the traded leg: YES or NO for binary events, an outcome
// id for multi events. It is resolved once at the API boundary so the
// pricing, matching, and settlement paths never sniff strings.
type Target struct {
	Kind      TargetKind `json:"kind"`
	OutcomeID string     `json:"outcome_id,omitempty"`
}

// ParseTarget resolves the wire form of a target ("YES", "NO", or an outcome
// id) against the event type.
func ParseTarget(eventType EventType, raw string) (Target, error) {
	switch eventType {
	case EventBinary:
		switch raw {
		case "YES", "yes":
			return Target{Kind: TargetYes}, nil
		case "NO", "no":
			return Target{Kind: TargetNo}, nil
		}
		return Target{}, fmt.Errorf("%w: binary target must be YES or NO, got %q", ErrInvalidInput, raw)
	case EventMulti:
		if raw == "" {
			return Target{}, fmt.Errorf("%w: outcome id required for multi event", ErrInvalidInput)
		}
		return Target{Kind: TargetOutcome, OutcomeID: raw}, nil
	}
	return Target{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, eventType)
}

// TokenSymbol derives the share-token identifier for this target:
// "YES_{eventID}" / "NO_{eventID}" for binary, the outcome id for multi.
func (t Target) TokenSymbol(eventID string) string {
	switch t.Kind {
	case TargetYes:
		return "YES_" + eventID
	case TargetNo:
		return "NO_" + eventID
	default:
		return t.OutcomeID
	}
}

// String returns the wire form.
func (t Target) String() string {
	if t.Kind == TargetOutcome {
		return t.OutcomeID
	}
	return string(t.Kind)
}

// Equal reports whether two targets refer to the same leg.
func (t Target) Equal(o Target) bool {
	return t.Kind == o.Kind && t.OutcomeID == o.OutcomeID
}

// MarshalJSON emits the compact wire form.
func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts both the compact wire form and the struct form.
func (t *Target) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "YES", "yes":
			*t = Target{Kind: TargetYes}
		case "NO", "no":
			*t = Target{Kind: TargetNo}
		default:
			*t = Target{Kind: TargetOutcome, OutcomeID: s}
		}
		return nil
	}
	type alias Target
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*t = Target(a)
	return nil
}
