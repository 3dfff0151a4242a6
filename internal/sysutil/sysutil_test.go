package sysutil

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetLogLevel(t *testing.T) {
	orig := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(orig) })

	cases := map[string]zerolog.Level{
		"  DeBuG ": zerolog.DebugLevel,
		"":         zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"fatal":    zerolog.FatalLevel,
		"panic":    zerolog.PanicLevel,
		"verbose":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		SetLogLevel(in)
		if got := zerolog.GlobalLevel(); got != want {
			t.Fatalf("SetLogLevel(%q) -> %v; want %v", in, got, want)
		}
	}
}

func TestNewLogger_JSONAndPretty(t *testing.T) {
	var buf bytes.Buffer
	jsonLog := NewLogger(&buf, false)
	jsonLog.Info().Str("conn_id", "c1").Msg("connection opened")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("json output expected, got %q: %v", buf.String(), err)
	}
	if line["conn_id"] != "c1" || line["message"] != "connection opened" || line["time"] == nil {
		t.Fatalf("unexpected fields: %v", line)
	}

	buf.Reset()
	prettyLog := NewLogger(&buf, true)
	prettyLog.Info().Msg("hello")
	if strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), "hello") {
		t.Fatalf("console output expected, got %q", buf.String())
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := FirstNonEmpty(); got != "" {
		t.Fatalf("FirstNonEmpty() = %q", got)
	}
	if got := FirstNonEmpty(" ", "\t"); got != "" {
		t.Fatalf("FirstNonEmpty(blanks) = %q", got)
	}
	if got := FirstNonEmpty("   ", "  v1  ", "v2"); got != "  v1  " {
		t.Fatalf("FirstNonEmpty = %q", got)
	}
}
