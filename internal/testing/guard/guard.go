// Package guard flips ODYSSEY_TEST_MODE on for any test binary that imports it,
// so entrypoints built into the binary skip their network side effects.
package guard

import "os"

// EnvTestMode is read by app.InTestMode.
const EnvTestMode = "ODYSSEY_TEST_MODE"

func init() {
	if os.Getenv(EnvTestMode) == "" {
		_ = os.Setenv(EnvTestMode, "1")
	}
}
