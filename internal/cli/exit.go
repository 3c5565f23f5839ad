package cli

import "github.com/mattfleaydaly/raspberry-drinks-relay/internal/fault"

// Exit codes, from sysexits(3) where one fits.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 64
	ExitUnavailable = 69
	ExitTempFail    = 75
)

// ExitCode maps an error returned by a command to a process exit code.
// Conflicts and unmet preconditions are retryable; the caller should try
// again later.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch fault.KindOf(err) {
	case fault.Conflict, fault.Preflight:
		return ExitTempFail
	case fault.Invalid, fault.NotFound:
		return ExitUsage
	case fault.Integrity:
		return ExitUnavailable
	default:
		return ExitFailure
	}
}
