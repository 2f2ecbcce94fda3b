package config

import (
	"fmt"
	"strings"
)

// FlagState selects a boolean flag's default at declaration time.
type FlagState int

const (
	Disabled FlagState = iota
	Enabled
	// Teamfood is enabled for the early-access cohort only.
	Teamfood
)

func (s FlagState) String() string {
	switch s {
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	case Teamfood:
		return "teamfood"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ParseState parses enabled, disabled or teamfood (case-insensitive).
func ParseState(s string) (FlagState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "enabled":
		return Enabled, nil
	case "disabled":
		return Disabled, nil
	case "teamfood":
		return Teamfood, nil
	default:
		return Disabled, fmt.Errorf("unknown flag state %q", s)
	}
}

// Resolve turns a state into a plain default for the given cohort.
func (s FlagState) Resolve(teamfood bool) bool {
	switch s {
	case Enabled:
		return true
	case Teamfood:
		return teamfood
	default:
		return false
	}
}
