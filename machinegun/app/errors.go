package app

import "fmt"

// ConfigError reports an invalid or missing setting. Nothing has been
// dispatched when it is returned.
type ConfigError struct {
	Flag   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid --%s: %s", e.Flag, e.Reason)
}

func invalid(flag string, reason string) error {
	return &ConfigError{Flag: flag, Reason: reason}
}

// StartupError reports a failure that prevents the attack from starting, such
// as a target that cannot be resolved.
type StartupError struct {
	Op  string
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}
