package slogx

import (
	"fmt"
	"log/slog"
	"time"
)

// Error returns a slog.Attr for the provided error under the "error" key.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Unit returns a slog.Attr for a unit name.
func Unit(name string) slog.Attr {
	return slog.String("unit", name)
}

// Method returns a slog.Attr for a unit method name.
func Method(name string) slog.Attr {
	return slog.String("method", name)
}

// Topic returns a slog.Attr for a bus topic.
func Topic(topic string) slog.Attr {
	return slog.String("topic", topic)
}

// Duration returns a slog.Attr for an elapsed time, rendered as a string so
// console output stays readable.
func Duration(d time.Duration) slog.Attr {
	return slog.String("duration", d.String())
}

// Stringer returns a slog.Attr with the string representation of value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// KeyLoggerName is the attribute key identifying the emitting subsystem.
const KeyLoggerName = "logger"

// LoggerName returns the subsystem name attribute used by all runtime loggers.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}
