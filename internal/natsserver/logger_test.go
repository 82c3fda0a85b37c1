package natsserver

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func TestServerLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := newServerLogger(zerolog.New(&buf).Level(zerolog.TraceLevel))

	l.Noticef("listening on %s", "in-process")
	l.Warnf("slow consumer %d", 1)
	l.Errorf("stream %q", "MAILWATCH_MESSAGES")
	l.Fatalf("cannot open store")
	l.Debugf("debug")
	l.Tracef("trace")

	type line struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}
	var got []line
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var ln line
		if err := json.Unmarshal([]byte(raw), &ln); err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		got = append(got, ln)
	}

	want := []line{
		{"info", "nats", "listening on in-process"},
		{"warn", "nats", "slow consumer 1"},
		{"error", "nats", `stream "MAILWATCH_MESSAGES"`},
		{"fatal", "nats", "cannot open store"},
		{"debug", "nats", "debug"},
		{"trace", "nats", "trace"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("log lines (-want +got):\n%s", diff)
	}
}
