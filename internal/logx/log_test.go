package logx_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ent0n29/heavyd/internal/logx"
)

func TestConfigureLogLevel(t *testing.T) {
	defer logx.Configure("info")

	logx.Configure("all")
	if zerolog.GlobalLevel() != zerolog.TraceLevel {
		t.Fatalf("expected trace level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("WARNING")
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("none")
	if zerolog.GlobalLevel() != zerolog.Disabled {
		t.Fatalf("expected disabled level, got %s", zerolog.GlobalLevel())
	}

	logx.Configure("bogus")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", zerolog.GlobalLevel())
	}
}

func TestComponentTagsOutput(t *testing.T) {
	defer logx.Configure("info")

	var buf bytes.Buffer
	logx.ConfigureTo(&buf, "debug")
	l := logx.Component("queue")
	l.Info().Msg("drained")

	out := buf.String()
	if !strings.Contains(out, "component=queue") {
		t.Fatalf("output %q missing component field", out)
	}
	if !strings.Contains(out, "drained") {
		t.Fatalf("output %q missing message", out)
	}
}
