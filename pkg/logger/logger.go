package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var pid = os.Getpid()

// Logger is the structured logger shared by the relay and the peer client.
type Logger struct {
	logger *zerolog.Logger
}

// New returns a JSON logger writing to stderr.
func New(isDebug bool) *Logger {
	logger := zerolog.New(os.Stderr).
		Level(level(isDebug)).
		With().Timestamp().Int("pid", pid).
		Logger()
	return &Logger{logger: &logger}
}

// NewConsole returns a human readable logger for interactive use.
// The tag is printed in front of every message.
func NewConsole(isDebug bool, tag string, noColor bool) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05.0000",
		NoColor:    noColor,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			"s",
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{"s"},
	}
	if noColor {
		output.FormatMessage = func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprintf("%v", i)
		}
	}
	logger := zerolog.New(output).
		Level(level(isDebug)).
		With().Str("s", tag).Timestamp().
		Logger()
	return &Logger{logger: &logger}
}

// NewWriter returns a JSON logger writing to w.
func NewWriter(w io.Writer, isDebug bool) *Logger {
	logger := zerolog.New(w).Level(level(isDebug)).With().Timestamp().Logger()
	return &Logger{logger: &logger}
}

// Nop returns a logger that drops everything.
func Nop() *Logger {
	logger := zerolog.Nop()
	return &Logger{logger: &logger}
}

func level(isDebug bool) zerolog.Level {
	if isDebug {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// With creates a child logger context; finish it with Extend.
func (l *Logger) With() zerolog.Context { return l.logger.With() }

// Extend builds a new Logger from a context obtained with With.
func (l *Logger) Extend(ctx zerolog.Context) *Logger {
	logger := ctx.Logger()
	return &Logger{logger: &logger}
}

// Level creates a child logger with the minimum accepted level set to level.
func (l *Logger) Level(level zerolog.Level) *Logger {
	logger := l.logger.Level(level)
	return &Logger{logger: &logger}
}

// Trace starts a new message with trace level.
func (l *Logger) Trace() *zerolog.Event { return l.logger.Trace() }

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *zerolog.Event { return l.logger.Info() }

// Warn starts a new message with warn level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Warn() *zerolog.Event { return l.logger.Warn() }

// Error starts a new message with error level.
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }
