// -----------------------------------------------------------------------
// Safe Goroutine - Panic-protected goroutine wrapper
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"runtime"

	"github.com/ternarybob/arbor"
)

// SafeGo runs a function in a goroutine with panic recovery.
// Panics are logged and persisted to a crash file but don't crash the service.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				stackTrace := string(buf[:n])

				if logger != nil {
					logger.Error().
						Str("goroutine", name).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", stackTrace).
						Msg("Recovered from panic in goroutine - continuing service operation")
				} else {
					fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, stackTrace)
				}

				WriteCrashFile(r, stackTrace)
			}
		}()

		fn()
	}()
}
