package natsserver

import (
	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
)

// serverLogger routes embedded server output into zerolog. Fatal messages
// are logged without exiting the process; New reports a server that never
// becomes ready.
type serverLogger struct {
	logger zerolog.Logger
}

var _ server.Logger = serverLogger{}

func newServerLogger(l zerolog.Logger) serverLogger {
	return serverLogger{logger: l.With().Str("component", "nats").Logger()}
}

func (l serverLogger) log(level zerolog.Level, format string, v []any) {
	l.logger.WithLevel(level).Msgf(format, v...)
}

func (l serverLogger) Noticef(format string, v ...any) { l.log(zerolog.InfoLevel, format, v) }
func (l serverLogger) Warnf(format string, v ...any)   { l.log(zerolog.WarnLevel, format, v) }
func (l serverLogger) Errorf(format string, v ...any)  { l.log(zerolog.ErrorLevel, format, v) }
func (l serverLogger) Fatalf(format string, v ...any)  { l.log(zerolog.FatalLevel, format, v) }
func (l serverLogger) Debugf(format string, v ...any)  { l.log(zerolog.DebugLevel, format, v) }
func (l serverLogger) Tracef(format string, v ...any)  { l.log(zerolog.TraceLevel, format, v) }
