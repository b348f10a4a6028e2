package credentials

import (
	"fmt"
	"strings"
)

// ConfigurationError means no usable credential source was supplied. It is
// never retried.
type ConfigurationError struct {
	Reason   string
	Required []string
}

func (e *ConfigurationError) Error() string {
	msg := "avatar call configuration"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Required) > 0 {
		msg += fmt.Sprintf(" (requires one of: %s)", strings.Join(e.Required, ", "))
	}
	return msg
}

func (e *ConfigurationError) Retryable() bool { return false }

var requiredSources = []string{"credentials", "sessionId+sessionKey", "connect", "connectUrl", "apiKey"}
