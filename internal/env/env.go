// Package env captures the ambient canary environment: the CANARY_ROOT
// directory.
package env

import "os"

// CanaryRoot is $CANARY_ROOT, or $HOME/canary when that is unset. The
// session output directory does not derive from it: `run -d` defaults to
// TestResults.
var CanaryRoot = findCanaryRoot()

func findCanaryRoot() string {
	if v := os.Getenv("CANARY_ROOT"); v != "" {
		return v
	}
	return os.ExpandEnv("$HOME/canary")
}
