package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls output destination and verbosity.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	Output     string // stdout, stderr, or a file path
	TimeFormat string
}

// Logger wraps zerolog with a small structured-field API. An optional
// collector aggregates error output for shipping elsewhere.
type Logger struct {
	zl        zerolog.Logger
	collector *Collector
}

// New builds a logger from config.
func New(cfg *Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	tf := cfg.TimeFormat
	if tf == "" {
		tf = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = tf

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: tf}
	}

	zl := zerolog.New(out).With().
		Timestamp().
		CallerWithSkipFrameCount(3).
		Logger()

	return &Logger{zl: zl}, nil
}

func (l *Logger) Debug(msg string, fields ...Field) { l.emit(l.zl.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.emit(l.zl.Info(), msg, fields) }

func (l *Logger) Warn(msg string, fields ...Field) {
	l.emit(l.zl.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.emit(l.zl.Error(), msg, fields)
	l.collect("error", msg, fields)
}

func (l *Logger) emit(event *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		f.apply(event)
	}
	event.Msg(msg)
}

// AddCollector attaches an error aggregator, replacing any existing one.
func (l *Logger) AddCollector(cfg *CollectorConfig) {
	if l.collector != nil {
		l.collector.Close()
	}
	l.collector = NewCollector(cfg)
}

// RemoveCollector flushes and detaches the aggregator.
func (l *Logger) RemoveCollector() {
	if l.collector != nil {
		l.collector.Close()
		l.collector = nil
	}
}

func (l *Logger) collect(level, msg string, fields []Field) {
	if l.collector == nil {
		return
	}

	// Skip collect and the level method to land on the call site.
	caller := "unknown"
	if _, file, line, ok := runtime.Caller(2); ok {
		parts := strings.Split(file, "whop-web-app")
		caller = fmt.Sprintf("%s:%d", parts[len(parts)-1], line)
	}

	kv := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			kv[f.Key] = err.Error()
			continue
		}
		kv[f.Key] = f.Value
	}
	l.collector.Add(level, msg, kv, caller)
}

// Field is one structured key/value pair. The zerolog encoder is picked by
// the dynamic type of Value.
type Field struct {
	Key   string
	Value interface{}
}

func (f Field) apply(event *zerolog.Event) {
	switch v := f.Value.(type) {
	case string:
		event.Str(f.Key, v)
	case int:
		event.Int(f.Key, v)
	case int64:
		event.Int64(f.Key, v)
	case uint64:
		event.Uint64(f.Key, v)
	case float64:
		event.Float64(f.Key, v)
	case bool:
		event.Bool(f.Key, v)
	case time.Duration:
		event.Dur(f.Key, v)
	case error:
		event.AnErr(f.Key, v)
	default:
		event.Interface(f.Key, v)
	}
}

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Error logs err under the conventional "error" key.
func Error(err error) Field {
	return Field{Key: "error", Value: err}
}

// Strings joins values into one comma-separated field.
func Strings(key string, values []string) Field {
	return Field{Key: key, Value: strings.Join(values, ", ")}
}
