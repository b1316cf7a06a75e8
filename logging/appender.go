package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// DefaultTimeFormatStr is the time format used by the console appenders.
const DefaultTimeFormatStr = "2006-01-02T15:04:05.000Z0700"

// Appender is an output for log entries. This is a subset of the `zapcore.Core` interface.
type Appender interface {
	// Write submits a structured log entry to the appender for logging.
	Write(zapcore.Entry, []zapcore.Field) error
	// Sync is for signaling that any buffered logs should be flushed.
	Sync() error
}

// writerAppender writes tab separated lines: time, level, logger name, caller, message and,
// when present, the structured fields as a json object.
type writerAppender struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStdoutAppender creates a new appender that outputs to stdout.
func NewStdoutAppender() Appender {
	return NewWriterAppender(os.Stdout)
}

// NewWriterAppender creates a new appender that outputs to the given writer.
func NewWriterAppender(out io.Writer) Appender {
	return &writerAppender{out: out}
}

func (wa *writerAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	line, err := formatEntry(entry, fields)
	wa.mu.Lock()
	defer wa.mu.Unlock()
	if _, writeErr := fmt.Fprintln(wa.out, line); writeErr != nil {
		return writeErr
	}
	return err
}

func (wa *writerAppender) Sync() error {
	if syncer, ok := wa.out.(interface{ Sync() error }); ok {
		// Syncing a terminal returns EINVAL on some platforms; that is not worth reporting.
		if syncer == os.Stdout || syncer == os.Stderr {
			return nil
		}
		return syncer.Sync()
	}
	return nil
}

// formatEntry renders an entry. An encoding failure for the fields still yields the
// line without them.
func formatEntry(entry zapcore.Entry, fields []zapcore.Field) (string, error) {
	const maxLength = 6
	toPrint := make([]string, 0, maxLength)
	toPrint = append(toPrint, entry.Time.Format(DefaultTimeFormatStr))
	toPrint = append(toPrint, strings.ToUpper(entry.Level.String()))
	toPrint = append(toPrint, entry.LoggerName)
	if entry.Caller.Defined {
		toPrint = append(toPrint, callerToString(&entry.Caller))
	}
	toPrint = append(toPrint, entry.Message)
	if len(fields) == 0 {
		return strings.Join(toPrint, "\t"), nil
	}

	// The json encoder keeps fields in call order.
	jsonEncoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{SkipLineEnding: true})
	buf, err := jsonEncoder.EncodeEntry(zapcore.Entry{}, fields)
	if err != nil {
		return strings.Join(toPrint, "\t"), err
	}
	defer buf.Free()
	toPrint = append(toPrint, buf.String())
	return strings.Join(toPrint, "\t"), nil
}

// callerToString returns "<package>/<file>:<line>", e.g. "pointcloud/voxel.go:42".
func callerToString(caller *zapcore.EntryCaller) string {
	return caller.TrimmedPath()
}
