package logger

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// Level controls which records are emitted. Trace is the most verbose.
type Level int32

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var currentLevel atomic.Int32

func init() {
	currentLevel.Store(int32(LevelInfo))
	if lvl, ok := parseLevel(os.Getenv("THREADLINE_LOG_LEVEL")); ok {
		currentLevel.Store(int32(lvl))
	}
}

func SetLevel(lvl Level) {
	currentLevel.Store(int32(lvl))
}

func parseLevel(raw string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return 0, false
	}
}

func enabled(lvl Level) bool {
	return lvl >= Level(currentLevel.Load())
}

func emit(lvl Level, component, msg string, fields map[string]interface{}) {
	if !enabled(lvl) {
		return
	}
	var b strings.Builder
	b.WriteString(levelTag(lvl))
	b.WriteString(" [")
	b.WriteString(component)
	b.WriteString("] ")
	b.WriteString(msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
		}
	}
	log.Println(b.String())
}

func levelTag(lvl Level) string {
	switch lvl {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

// TraceCF logs a trace record for a component with structured fields.
func TraceCF(component, msg string, fields map[string]interface{}) {
	emit(LevelTrace, component, msg, fields)
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	emit(LevelDebug, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	emit(LevelInfo, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	emit(LevelWarn, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	emit(LevelError, component, msg, fields)
}
