// Package logging wraps zerolog with the field-chaining conventions used
// throughout the node: a package-level default logger, per-component
// child loggers built with With(), and optional async file rotation.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of structured fields attached to a logger or event.
type Fields map[string]any

var (
	instance *Logger
	once     sync.Once
	mu       sync.RWMutex

	fieldPool = &sync.Pool{
		New: func() any { return make(Fields, 8) },
	}

	timeFormatOnce sync.Once
	callerSkipOnce sync.Once
)

// Logger wraps a zerolog.Logger with a persistent field set so children
// derived via With()/WithFields() can be recreated without losing context.
type Logger struct {
	*zerolog.Logger
	config *Config
	fields Fields
	mu     sync.RWMutex
}

// Config controls logger construction.
type Config struct {
	Level           string `json:"level" yaml:"level"`
	Format          string `json:"format" yaml:"format"`
	TimestampFormat string `json:"timestamp_format" yaml:"timestamp_format"`

	Console ConsoleConfig `json:"console" yaml:"console"`
	File    FileConfig    `json:"file" yaml:"file"`

	Fields Fields `json:"fields" yaml:"fields"`

	CallerSkipFrameCount int  `json:"caller_skip_frame_count" yaml:"caller_skip_frame_count"`
	EnableCaller         bool `json:"enable_caller" yaml:"enable_caller"`
	AsyncWrite           bool `json:"async_write" yaml:"async_write"`
	BufferSize           int  `json:"buffer_size" yaml:"buffer_size"`
}

// ConsoleConfig controls stdout/stderr output.
type ConsoleConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	NoColor    bool   `json:"no_color" yaml:"no_color"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
	Output     string `json:"output" yaml:"output"`
}

// FileConfig controls rotating file output via lumberjack.
type FileConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	Path       string `json:"path" yaml:"path"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`
	MaxAge     int    `json:"max_age" yaml:"max_age"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	LocalTime  bool   `json:"local_time" yaml:"local_time"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// DefaultConfig returns a console-only, human-readable configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "console",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			NoColor:    false,
			TimeFormat: "15:04:05.000",
			Output:     "stdout",
		},
		File: FileConfig{
			Enable:     false,
			Path:       "meridian.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			LocalTime:  true,
			Compress:   true,
		},
		Fields:               make(Fields),
		CallerSkipFrameCount: 2,
		EnableCaller:         true,
		AsyncWrite:           false,
		BufferSize:           10000,
	}
}

// New constructs a Logger from config. A nil config uses DefaultConfig().
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer

	if config.Console.Enable {
		var output io.Writer = os.Stdout
		if config.Console.Output == "stderr" {
			output = os.Stderr
		}
		if config.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			})
		} else {
			writers = append(writers, output)
		}
	}

	if config.File.Enable {
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			LocalTime:  config.File.LocalTime,
			Compress:   config.File.Compress,
		})
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		writer = diode.NewWriter(writer, config.BufferSize, time.Second, func(missed int) {
			fmt.Fprintf(os.Stderr, "logging: dropped %d messages\n", missed)
		})
	}

	if config.EnableCaller {
		callerSkipOnce.Do(func() {
			zerolog.CallerSkipFrameCount = config.CallerSkipFrameCount
		})
	}

	ctx := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		ctx = ctx.Caller()
	}
	for k, v := range config.Fields {
		ctx = ctx.Interface(k, v)
	}

	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	zl := ctx.Logger()
	return &Logger{Logger: &zl, config: config, fields: make(Fields)}, nil
}

// Init builds the process-wide default logger from config.
func Init(config *Config) error {
	l, err := New(config)
	if err != nil {
		return err
	}
	SetGlobal(l)
	return nil
}

// SetGlobal replaces the process-wide default logger.
func SetGlobal(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	instance = l
}

// Get returns the process-wide default logger, lazily creating one with
// DefaultConfig() if Init was never called.
func Get() *Logger {
	once.Do(func() {
		mu.RLock()
		set := instance != nil
		mu.RUnlock()
		if !set {
			l, _ := New(DefaultConfig())
			SetGlobal(l)
		}
	})
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// With starts a field-chaining builder for a derived logger.
func (l *Logger) With() *Context {
	return &Context{logger: l, fields: make(Fields)}
}

// WithContext attaches trace/request identifiers carried on ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	l.mu.RLock()
	zctx := l.Logger.With()
	l.mu.RUnlock()

	if traceID := ctx.Value(traceIDKey{}); traceID != nil {
		zctx = zctx.Str("trace_id", fmt.Sprint(traceID))
	}
	zl := zctx.Logger()
	return &Logger{Logger: &zl, config: l.config, fields: l.fields}
}

type traceIDKey struct{}

// WithFields returns a child logger carrying this logger's fields plus
// the supplied ones, reusing a pooled map to cut allocations on the hot
// per-RPC logging path.
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := fieldPool.Get().(Fields)

	l.mu.RLock()
	for k, v := range l.fields {
		merged[k] = v
	}
	base := l.Logger
	l.mu.RUnlock()

	for k, v := range fields {
		merged[k] = v
	}

	ctx := base.With()
	for k, v := range merged {
		ctx = ctx.Interface(k, v)
	}
	zl := ctx.Logger()
	return &Logger{Logger: &zl, config: l.config, fields: merged}
}

// Context builds a derived Logger from chained field calls.
type Context struct {
	logger *Logger
	fields Fields
	mu     sync.Mutex
}

func (c *Context) Str(key, val string) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields[key] = val
	return c
}

func (c *Context) Int(key string, val int) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields[key] = val
	return c
}

func (c *Context) Logger() *Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := c.logger.Logger.With()
	for k, v := range c.fields {
		ctx = ctx.Interface(k, v)
	}
	zl := ctx.Logger()
	return &Logger{Logger: &zl, config: c.logger.config, fields: c.logger.fields}
}

// Close releases pooled field maps. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.fields) > 0 {
		for k := range l.fields {
			delete(l.fields, k)
		}
		fieldPool.Put(l.fields)
		l.fields = nil
	}
	return nil
}
