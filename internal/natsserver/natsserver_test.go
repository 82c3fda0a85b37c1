package natsserver

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

func TestTokenAuth(t *testing.T) {
	token := "test-secret-token"

	srv, err := New(Config{
		StoreDir: t.TempDir(),
		Host:     "127.0.0.1",
		Port:     -1, // random port
		Token:    token,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Shutdown()

	url := srv.ClientURL()

	nc, err := nats.Connect(url)
	if err == nil {
		nc.Close()
		t.Fatal("expected connection without token to fail")
	}

	nc, err = nats.Connect(url, nats.Token("wrong-token"))
	if err == nil {
		nc.Close()
		t.Fatal("expected connection with wrong token to fail")
	}

	nc, err = nats.Connect(url, srv.ConnectOpts()...)
	if err != nil {
		t.Fatalf("expected connection with ConnectOpts to succeed: %v", err)
	}
	nc.Close()
}

func TestNoToken_AllowsAnonymous(t *testing.T) {
	srv, err := New(Config{
		StoreDir: t.TempDir(),
		Host:     "127.0.0.1",
		Port:     -1,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("expected anonymous connection to succeed: %v", err)
	}
	nc.Close()
}

func TestInProcessJetStream(t *testing.T) {
	srv, err := New(Config{StoreDir: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL(), srv.ConnectOpts()...)
	if err != nil {
		t.Fatalf("in-process connect: %v", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     "TEST",
		Subjects: []string{"test.>"},
	}); err != nil {
		t.Fatalf("create stream: %v", err)
	}
	ack, err := js.Publish(ctx, "test.one", []byte("hi"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ack.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", ack.Sequence)
	}
}
