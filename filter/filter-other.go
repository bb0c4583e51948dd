//go:build !linux && !darwin && !windows

package filter

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
)

func newSystemBackend(identifier string, log zerolog.Logger) (backend, error) {
	return nil, fmt.Errorf("no system filter backend for %s, use %q", runtime.GOOS, BackendMemory)
}
