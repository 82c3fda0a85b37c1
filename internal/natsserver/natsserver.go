// Package natsserver runs an in-process NATS server with JetStream, used when
// mailwatch is deployed without an external NATS cluster and by tests.
package natsserver

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Config holds settings for the embedded NATS server.
type Config struct {
	StoreDir string
	Host     string // empty means in-process only, no TCP listener
	Port     int
	Token    string // If non-empty, requires token auth for NATS connections.
}

// Server wraps an embedded NATS server with JetStream.
type Server struct {
	ns     *server.Server
	nc     *nats.Conn
	js     jetstream.JetStream
	logger zerolog.Logger

	token     string
	inProcess bool
}

// New creates and starts the embedded NATS server.
func New(cfg Config, logger zerolog.Logger) (*Server, error) {
	opts := &server.Options{
		ServerName: "mailwatch",
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		DontListen: cfg.Host == "",
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("nats server create: %w", err)
	}

	ns.SetLoggerV2(newServerLogger(logger), false, false, false)

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server failed to become ready")
	}

	s := &Server{ns: ns, logger: logger, token: cfg.Token, inProcess: opts.DontListen}

	nc, err := nats.Connect(ns.ClientURL(), s.ConnectOpts()...)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	s.nc = nc
	s.js = js

	logger.Info().
		Str("client_url", ns.ClientURL()).
		Bool("in_process", opts.DontListen).
		Msg("embedded NATS started")

	return s, nil
}

// ConnectOpts returns the options a client needs to reach this server:
// an in-process dialer when there is no TCP listener, plus the auth token.
func (s *Server) ConnectOpts() []nats.Option {
	var opts []nats.Option
	if s.inProcess {
		opts = append(opts, nats.InProcessServer(s.ns))
	}
	if s.token != "" {
		opts = append(opts, nats.Token(s.token))
	}
	return opts
}

// Conn returns the internal NATS client connection.
func (s *Server) Conn() *nats.Conn { return s.nc }

// JetStream returns the JetStream handle.
func (s *Server) JetStream() jetstream.JetStream { return s.js }

// ClientURL returns the NATS client connection URL.
func (s *Server) ClientURL() string { return s.ns.ClientURL() }

// Shutdown gracefully drains and shuts down.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("shutting down embedded NATS")
	s.nc.Drain()
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
