package spqrlog

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var Zero = NewZeroLogger("", "info", false)

var logFile *os.File

// NewZeroLogger builds the process logger. Output goes to stdout when
// filepath is empty. JSON is the default format, pretty switches to the
// human readable console writer.
func NewZeroLogger(filepath string, logLevel string, pretty bool) *zerolog.Logger {
	file, writer, err := newWriter(filepath)
	if err != nil {
		writer = os.Stdout
	}
	if file != nil {
		logFile = file
	}

	var output io.Writer = writer
	if pretty {
		output = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).
		Level(parseLevel(logLevel)).
		With().
		Timestamp().
		Logger()

	return &logger
}

// ReloadLogger reopens the log destination, used after log rotation.
func ReloadLogger(filepath string, logLevel string, pretty bool) {
	if filepath == "" {
		return // stdout, nothing to reopen
	}
	oldFile := logFile
	Zero = NewZeroLogger(filepath, logLevel, pretty)
	if oldFile != nil && oldFile != logFile {
		_ = oldFile.Close()
	}
}

func UpdateZeroLogLevel(logLevel string) error {
	level := parseLevel(logLevel)
	zeroLogger := Zero.With().Logger().Level(level)
	Zero = &zeroLogger
	return nil
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "disabled":
		return zerolog.Disabled
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning", "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
