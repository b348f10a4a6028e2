package realtime

import (
	"os"
	"strings"
	"sync"
)

const (
	// ProductionBaseURL is used when RUNWAYML_BASE_URL is not set.
	ProductionBaseURL = "https://api.dev.runwayml.com"
	// BaseURLEnv overrides the negotiation API base URL at startup.
	BaseURLEnv = "RUNWAYML_BASE_URL"

	DefaultAPIVersion = "2024-11-06"
	DefaultModel      = "gwm1_avatars"
)

var defaults struct {
	mu      sync.Mutex
	baseURL string
}

// DefaultBaseURL returns the process-wide base URL, resolving it from the
// environment on first use.
func DefaultBaseURL() string {
	defaults.mu.Lock()
	defer defaults.mu.Unlock()
	if defaults.baseURL == "" {
		defaults.baseURL = strings.TrimSpace(os.Getenv(BaseURLEnv))
		if defaults.baseURL == "" {
			defaults.baseURL = ProductionBaseURL
		}
	}
	return defaults.baseURL
}

// SetDefaultBaseURL overrides the process-wide base URL.
func SetDefaultBaseURL(baseURL string) {
	defaults.mu.Lock()
	defer defaults.mu.Unlock()
	defaults.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

// ResetDefaults drops any override so the next DefaultBaseURL call reads the
// environment again.
func ResetDefaults() {
	defaults.mu.Lock()
	defer defaults.mu.Unlock()
	defaults.baseURL = ""
}
