package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel controls which messages a JSONLogger emits.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// ParseLogLevel maps a config string to a level, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LogDebug
	case "warn":
		return LogWarn
	case "error":
		return LogError
	default:
		return LogInfo
	}
}

// JSONLogger writes one JSON object per line. It is safe for
// concurrent use and never fails the caller on encoding errors.
type JSONLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     LogLevel
	component string
}

// NewJSONLogger creates a logger writing to stdout at the given level.
func NewJSONLogger(level LogLevel) *JSONLogger {
	return &JSONLogger{out: os.Stdout, level: level}
}

// NewJSONLoggerWithWriter creates a logger with a custom writer (tests).
func NewJSONLoggerWithWriter(out io.Writer, level LogLevel) *JSONLogger {
	return &JSONLogger{out: out, level: level}
}

// WithComponent returns a copy that stamps every entry with a component name.
func (l *JSONLogger) WithComponent(name string) *JSONLogger {
	return &JSONLogger{out: l.out, level: l.level, component: name}
}

func (l *JSONLogger) log(level LogLevel, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}
	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = levelName
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":%q,"message":%q,"marshal_error":%q}`, levelName, msg, err.Error()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LogDebug, "debug", msg, fields)
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LogInfo, "info", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LogWarn, "warn", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogError, "error", msg, fields)
}
