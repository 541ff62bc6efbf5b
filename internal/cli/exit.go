package cli

import (
	"errors"

	"tgrelay/internal/app"
	"tgrelay/internal/config"
)

const (
	ExitOK     = 0
	ExitError  = 1
	ExitConfig = 2
	ExitAuth   = 3
)

// ExitCode maps a command error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case config.IsConfigError(err):
		return ExitConfig
	case errors.Is(err, app.ErrAuth):
		return ExitAuth
	}
	return ExitError
}
