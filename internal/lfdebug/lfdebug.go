// Package lfdebug holds the process-wide LOCKFREE_DEBUG flags.
package lfdebug

import (
	"log/slog"
	"sync"

	"github.com/rogpeppe/lockfree/internal/envflag"
)

// EnvVar names the environment variable read by Init.
const EnvVar = "LOCKFREE_DEBUG"

// Flags holds the current set of flags. It is initialized by Init.
var Flags Config

// Config holds the set of known LOCKFREE_DEBUG flags.
type Config struct {
	// Strict enables extra consistency checks in the slot engine.
	// A use counter dropping below zero panics instead of being
	// silently tolerated.
	Strict bool

	// NoPool disables recycling of node backing arrays: the shared
	// arenas allocate fresh arrays and drop everything returned to them.
	NoPool bool

	// LogArena sets the log level for the shared arenas.
	//
	//	0: no logging
	//	1: log shutdown and arrays dropped after shutdown
	LogArena int
}

// Init initializes Flags from the environment. It is safe to call
// more than once; only the first call reads the environment.
func Init() error {
	return initOnce()
}

var initOnce = sync.OnceValue(func() error {
	return envflag.Init(&Flags, EnvVar)
})

// Setup calls Init and logs a warning to the default logger if the
// flags could not be parsed. The warning is logged at most once.
func Setup() {
	setupOnce()
}

var setupOnce = sync.OnceFunc(func() {
	report(slog.Default(), Init())
})

func report(logger *slog.Logger, err error) {
	if err != nil {
		logger.Warn("ignoring debug flags", "var", EnvVar, "err", err)
	}
}
