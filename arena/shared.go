package arena

import (
	"log/slog"
	"sync"
	"unsafe"

	"github.com/rogpeppe/lockfree/internal/lfdebug"
)

type sharedArenas struct {
	pointers *Arena[unsafe.Pointer]
	counters *Arena[int32]
}

var shared = sync.OnceValue(func() *sharedArenas {
	lfdebug.Setup()
	cfg := &Config{
		Disabled: lfdebug.Flags.NoPool,
	}
	if lfdebug.Flags.LogArena > 0 {
		cfg.Logger = slog.Default()
	}
	return &sharedArenas{
		pointers: New[unsafe.Pointer](cfg),
		counters: New[int32](cfg),
	}
})

// Pointers returns the process-wide arena for reference arrays.
func Pointers() *Arena[unsafe.Pointer] {
	return shared().pointers
}

// Counters returns the process-wide arena for counter arrays.
func Counters() *Arena[int32] {
	return shared().counters
}

// Shutdown closes the process-wide arenas. Arrays released after
// Shutdown are left to the garbage collector.
func Shutdown() {
	s := shared()
	s.pointers.Close()
	s.counters.Close()
}
