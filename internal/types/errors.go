package types

import (
	"errors"
	"fmt"
)

var (
	// ErrThrottled marks a backend asking the caller to slow down. Calls that
	// fail with it are retried after a cool-down instead of being dropped.
	ErrThrottled = errors.New("backend throttled")

	ErrMalformedItem   = errors.New("malformed work item")
	ErrMalformedReport = errors.New("malformed scan report")
	ErrConfiguration   = errors.New("configuration error")
)

// PluginFault is a failure raised inside a rule, processor or output.
type PluginFault struct {
	Kind   string
	Plugin string
	Cause  error
	Panic  bool
}

func (e *PluginFault) Error() string {
	if e.Panic {
		return fmt.Sprintf("%s plugin %s panicked: %v", e.Kind, e.Plugin, e.Cause)
	}
	return fmt.Sprintf("%s plugin %s failed: %v", e.Kind, e.Plugin, e.Cause)
}

func (e *PluginFault) Unwrap() error {
	return e.Cause
}

func IsPluginFault(err error) bool {
	var fault *PluginFault
	return errors.As(err, &fault)
}

func NewPluginFault(kind, plugin string, cause error) *PluginFault {
	return &PluginFault{
		Kind:   kind,
		Plugin: plugin,
		Cause:  cause,
	}
}

func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

func Configurationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
