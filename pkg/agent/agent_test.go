package agent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/mailwatch/internal/natsserver"
	"github.com/sekia-ai/mailwatch/pkg/protocol"
)

func TestAgentRegistersAndHeartbeats(t *testing.T) {
	ns, err := natsserver.New(natsserver.Config{StoreDir: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer ns.Shutdown()

	regCh := make(chan *nats.Msg, 1)
	hbCh := make(chan *nats.Msg, 8)
	if _, err := ns.Conn().ChanSubscribe(protocol.SubjectRegistry, regCh); err != nil {
		t.Fatal(err)
	}
	if _, err := ns.Conn().ChanSubscribe(protocol.SubjectHeartbeat("watcher"), hbCh); err != nil {
		t.Fatal(err)
	}
	ns.Conn().Flush()

	a, err := New(Config{
		NATSUrl:           ns.ClientURL(),
		NATSOpts:          ns.ConnectOpts(),
		HeartbeatInterval: 50 * time.Millisecond,
	}, "watcher", "1.2.3", []string{"gmail-history"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	select {
	case msg := <-regCh:
		var reg protocol.Registration
		if err := json.Unmarshal(msg.Data, &reg); err != nil {
			t.Fatal(err)
		}
		if reg.Name != "watcher" || reg.Version != "1.2.3" {
			t.Errorf("registration = %+v", reg)
		}
		if reg.InstanceID == "" {
			t.Error("expected instance id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no registration received")
	}

	a.RecordEvent()
	a.RecordEvent()
	a.RecordError()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-hbCh:
			var hb protocol.Heartbeat
			if err := json.Unmarshal(msg.Data, &hb); err != nil {
				t.Fatal(err)
			}
			if hb.Processed == 2 && hb.Errors == 1 {
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat with updated counters")
		}
	}
}

func TestStats(t *testing.T) {
	a := &Agent{}
	a.lastEvent.Store(time.Time{})

	if s := a.Stats(); s.Processed != 0 || !s.LastEvent.IsZero() {
		t.Fatalf("initial stats = %+v", s)
	}
	a.RecordEvent()
	a.RecordError()
	s := a.Stats()
	if s.Processed != 1 || s.Errors != 1 || s.LastEvent.IsZero() {
		t.Errorf("stats = %+v", s)
	}
}

func TestRecordEvents(t *testing.T) {
	a := &Agent{}
	a.lastEvent.Store(time.Time{})

	a.RecordEvents(0)
	if s := a.Stats(); s.Processed != 0 || !s.LastEvent.IsZero() {
		t.Fatalf("RecordEvents(0) changed stats: %+v", s)
	}
	a.RecordEvents(3)
	if s := a.Stats(); s.Processed != 3 || s.LastEvent.IsZero() {
		t.Errorf("stats = %+v", s)
	}
}
