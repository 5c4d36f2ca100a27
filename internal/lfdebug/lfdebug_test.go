package lfdebug

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/rogpeppe/lockfree/internal/envflag"
)

func TestConfigFlags(t *testing.T) {
	var cfg Config
	err := envflag.Parse(&cfg, "strict,NoPool=1,logarena=1")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(cfg, Config{
		Strict:   true,
		NoPool:   true,
		LogArena: 1,
	}))
}

func TestConfigUnknownFlag(t *testing.T) {
	var cfg Config
	err := envflag.Parse(&cfg, "paranoid")
	qt.Assert(t, qt.ErrorMatches(err, `unknown .*paranoid.*`))
}

func TestInitIsIdempotent(t *testing.T) {
	if os.Getenv(EnvVar) != "" {
		t.Skipf("%s is set", EnvVar)
	}
	qt.Assert(t, qt.IsNil(Init()))
	Flags.Strict = true
	defer func() {
		Flags.Strict = false
	}()
	// A second call must not reparse the environment.
	qt.Assert(t, qt.IsNil(Init()))
	qt.Assert(t, qt.IsTrue(Flags.Strict))
}

func TestMalformedFlagsAreReported(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	var cfg Config
	report(logger, envflag.Parse(&cfg, "logarena=lots"))
	qt.Assert(t, qt.Matches(buf.String(), `time=.* level=WARN msg="ignoring debug flags" var=LOCKFREE_DEBUG err=.*logarena.*\n`))

	buf.Reset()
	report(logger, envflag.Parse(&cfg, "strict"))
	qt.Assert(t, qt.Equals(buf.String(), ""))
}

func TestSetupIsIdempotent(t *testing.T) {
	if os.Getenv(EnvVar) != "" {
		t.Skipf("%s is set", EnvVar)
	}
	Setup()
	Setup()
	qt.Assert(t, qt.IsNil(Init()))
}
