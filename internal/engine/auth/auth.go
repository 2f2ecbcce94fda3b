package auth

import (
	"fmt"
	"strings"
)

const (
	PermFlagsRead  = "flags.read"
	PermFlagsWrite = "flags.write"
	PermAdmin      = "*"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// TogglerHiddenError indicates the developer override surface is unavailable
// because the build is not a debug device or developer options are off.
type TogglerHiddenError struct {
	DebugDevice      bool
	DeveloperOptions bool
}

func (e TogglerHiddenError) Error() string {
	var reasons []string
	if !e.DebugDevice {
		reasons = append(reasons, "not a debug device")
	}
	if !e.DeveloperOptions {
		reasons = append(reasons, "developer options disabled")
	}
	return "flag toggler unavailable: " + strings.Join(reasons, ", ")
}

// ReleaseOverrideError indicates a release-channel flag cannot be overridden
// under the current policy.
type ReleaseOverrideError struct {
	Name string
}

func (e ReleaseOverrideError) Error() string {
	return fmt.Sprintf("flag %s is a release flag and release overrides are disabled", e.Name)
}

// Allowed reports whether perms grants perm. "*" grants everything and
// flags.write implies flags.read.
func Allowed(perms []string, perm string) bool {
	for _, p := range perms {
		switch {
		case p == PermAdmin, p == perm:
			return true
		case p == PermFlagsWrite && perm == PermFlagsRead:
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless perms grants perm.
func Require(perms []string, perm string) error {
	if Allowed(perms, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
