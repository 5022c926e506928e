package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type LoggerOpts struct {
	LogIOEvents   bool
	LogPeerErrors bool
}

var opts LoggerOpts

func SetupLoggerOpts(level string, ioEvents, peerErrors bool) error {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse level: %w", err)
	}

	logrus.SetLevel(l)

	opts = LoggerOpts{
		LogIOEvents:   ioEvents,
		LogPeerErrors: peerErrors,
	}

	return nil
}

/*
*
I/O events fire once per readable/writable dispatch, which on a busy swarm is
thousands of lines per second. Off unless explicitly enabled.
*/
func LogIOEvent(format string, args ...any) {
	if !opts.LogIOEvents {
		return
	}

	logrus.Debugf(format, args...)
}

func LogPeerError(format string, args ...any) {
	if !opts.LogPeerErrors {
		return
	}

	logrus.Debugf(format, args...)
}
