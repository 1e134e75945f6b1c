// Package kfmt provides the kernel log and the panic banner. Output goes to
// the sink registered with SetOutputSink; anything logged before a sink is
// attached is kept in a ring buffer and replayed when one becomes available.
package kfmt

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"rvgopher/kernel"
)

var (
	// earlyPrintBuffer is a ring buffer that stores log output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where the kernel log is sent. If set to
	// nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	logger = newLogger()

	errUnknownLevel = &kernel.Error{Module: "kfmt", Message: "unknown log level"}
)

// levelColors maps each level to the ANSI color used by the console log.
var levelColors = map[logrus.Level]int{
	logrus.PanicLevel: 31,
	logrus.FatalLevel: 31,
	logrus.ErrorLevel: 31,
	logrus.WarnLevel:  93,
	logrus.InfoLevel:  34,
	logrus.DebugLevel: 32,
	logrus.TraceLevel: 90,
}

// sink forwards writes to the active output sink or the early buffer.
type sink struct{}

func (sink) Write(p []byte) (int, error) {
	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}

// consoleFormatter renders entries as "\x1b[<color>m[LEVEL] msg k=v\x1b[0m".
type consoleFormatter struct {
	// DisableColors strips the ANSI escapes; used when the sink is not a
	// terminal.
	DisableColors bool
}

// Format implements logrus.Formatter.
func (f *consoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer

	if !f.DisableColors {
		fmt.Fprintf(&buf, "\x1b[%dm", levelColors[entry.Level])
	}
	fmt.Fprintf(&buf, "[%s] %s", levelName(entry.Level), entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%v", k, entry.Data[k])
	}

	if !f.DisableColors {
		buf.WriteString("\x1b[0m")
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func levelName(level logrus.Level) string {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return "ERROR"
	case logrus.WarnLevel:
		return "WARN"
	default:
		return strings.ToUpper(level.String())
	}
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(sink{})
	l.SetFormatter(&consoleFormatter{})
	// The kernel log is off until a level is configured.
	l.SetLevel(logrus.PanicLevel)
	return l
}

// SetOutputSink sets the default target for the kernel log to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink.
func GetOutputSink() io.Writer {
	return sink{}
}

// SetColors enables or disables the ANSI level colors.
func SetColors(enabled bool) {
	logger.SetFormatter(&consoleFormatter{DisableColors: !enabled})
}

// SetLevel selects the most verbose level that is emitted. Valid names are
// off, error, warn, info, debug and trace.
func SetLevel(name string) *kernel.Error {
	switch strings.ToLower(name) {
	case "", "off":
		logger.SetLevel(logrus.PanicLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "trace":
		logger.SetLevel(logrus.TraceLevel)
	default:
		return errUnknownLevel
	}
	return nil
}

// Logger returns the entry used by module for its log output.
func Logger(module string) *logrus.Entry {
	return logger.WithField("module", module)
}
