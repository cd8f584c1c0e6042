package task

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrCommandRequired = errors.New("Command is required")
	ErrInvalidCommand  = errors.New("Invalid command")
	ErrInvalidArgument = errors.New("Invalid argument")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether name only uses characters allowed in task names.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Policy is the trust boundary applied to a request before it reaches the executor.
//
// Sanitize restricts task names to [A-Za-z0-9_-] and rejects arguments that start with "-",
// since those would be parsed as options by the tool (e.g. make --eval) rather than as variables or goals.
// Entry points facing untrusted clients should sanitize; trusted internal callers may not need to.
type Policy struct {
	Sanitize bool
}

// Check validates a task name and its args, returning one of the sentinel errors on rejection.
// The task name is expected to already be trimmed.
func (p Policy) Check(name string, args []string) error {
	if name == "" {
		return ErrCommandRequired
	}
	if !p.Sanitize {
		return nil
	}
	if !ValidName(name) {
		return ErrInvalidCommand
	}
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			return ErrInvalidArgument
		}
	}
	return nil
}
