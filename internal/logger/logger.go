package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity level of a log message.
type LogLevel string

const (
	Debug LogLevel = "DEBUG"
	Info  LogLevel = "INFO"
	Warn  LogLevel = "WARN"
	Error LogLevel = "ERROR"
)

// FileName is the name of the rotated log file inside the log directory.
const FileName = "pollarr.log"

var (
	mu         sync.RWMutex
	minLevel   = Info
	listeners  []chan LogEntry
	fileLogger *lumberjack.Logger
)

func priority(level LogLevel) int {
	switch level {
	case Debug:
		return 0
	case Info:
		return 1
	case Warn:
		return 2
	case Error:
		return 3
	default:
		return 1
	}
}

// ParseLevel accepts debug, info, warn (or warning) and error, in any case.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Info, fmt.Errorf("unknown log level %q", s)
	}
}

// SetLevel sets the minimum level. Unknown values fall back to info.
func SetLevel(level string) {
	lvl, err := ParseLevel(level)
	if err != nil {
		log.Printf("%v, using INFO", err)
	}
	mu.Lock()
	minLevel = lvl
	mu.Unlock()
}

// Level returns the current minimum level.
func Level() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return minLevel
}

// LogEntry is a single log line as streamed to subscribers.
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

func init() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
}

// Init adds a rotated log file in logDir next to stdout.
func Init(logDir string) error {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	fl := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, FileName),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}

	mu.Lock()
	if fileLogger != nil {
		_ = fileLogger.Close()
	}
	fileLogger = fl
	mu.Unlock()

	log.SetOutput(io.MultiWriter(os.Stdout, fl))
	return nil
}

// Close flushes and closes the log file, reverting to stdout only.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(os.Stdout)
	if fileLogger == nil {
		return nil
	}
	err := fileLogger.Close()
	fileLogger = nil
	return err
}

// LogFile returns the active log file path, or "" before Init.
func LogFile() string {
	mu.RLock()
	defer mu.RUnlock()
	if fileLogger == nil {
		return ""
	}
	return fileLogger.Filename
}

// Subscribe returns a buffered channel receiving every emitted entry.
func Subscribe() chan LogEntry {
	mu.Lock()
	defer mu.Unlock()
	ch := make(chan LogEntry, 100)
	listeners = append(listeners, ch)
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func Unsubscribe(ch chan LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for i, l := range listeners {
		if l == ch {
			listeners = append(listeners[:i], listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func broadcast(entry LogEntry) {
	mu.RLock()
	defer mu.RUnlock()
	for _, ch := range listeners {
		select {
		case ch <- entry:
		default:
			// slow subscriber, drop
		}
	}
}

// Log writes "timestamp [LEVEL] message" to the outputs and subscribers.
func Log(level LogLevel, format string, v ...interface{}) {
	if priority(level) < priority(Level()) {
		return
	}

	msg := fmt.Sprintf(format, v...)
	ts := time.Now().Format(time.RFC3339)
	log.Printf("%s [%s] %s", ts, level, msg)

	broadcast(LogEntry{Timestamp: ts, Level: level, Message: msg})
}

func Debugf(format string, v ...interface{}) { Log(Debug, format, v...) }
func Infof(format string, v ...interface{})  { Log(Info, format, v...) }
func Warnf(format string, v ...interface{})  { Log(Warn, format, v...) }
func Errorf(format string, v ...interface{}) { Log(Error, format, v...) }
