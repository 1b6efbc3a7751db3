// Package logging provides config-driven categorized logging for cobrowse.
// Every subsystem logs through its own Category; categories can be switched
// off individually in the logging section of the config file.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategorySession   Category = "session"   // Session lifecycle, state machine
	CategoryCapture   Category = "capture"   // DOM event capture
	CategoryQueue     Category = "queue"     // Outbound queue, rate limit, retries
	CategoryChannel   Category = "channel"   // Session/dashboard channel manager
	CategoryTransport Category = "transport" // Pub/sub transport clients
	CategorySnapshot  Category = "snapshot"  // Snapshot capture and render
	CategoryControl   Category = "control"   // Remote-control executor
	CategoryAgent     Category = "agent"     // Agent dashboard and viewers
	CategoryRelay     Category = "relay"     // Websocket relay server
	CategoryBrowser   Category = "browser"   // Browser automation, DOM hooks
	CategoryConfig    Category = "config"    // Config load and reload
)

// Categories lists every known category.
var Categories = []Category{
	CategoryBoot, CategorySession, CategoryCapture, CategoryQueue, CategoryChannel, CategoryTransport,
	CategorySnapshot, CategoryControl, CategoryAgent, CategoryRelay, CategoryBrowser, CategoryConfig,
}

// Config mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports.
type Config struct {
	Level      string
	Format     string // json or console
	File       string // empty writes to stderr
	Categories map[string]bool
}

// Logger is a printf-style logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	root       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the root zap logger from cfg. It may be called again to
// apply a new config; loggers obtained earlier keep their old sink.
func Initialize(cfg Config) error {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	zcfg.Sampling = nil
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch cfg.Format {
	case "", "json":
		zcfg.Encoding = "json"
	case "console":
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zcfg.OutputPaths = []string{"stderr"}
	if cfg.File != "" {
		zcfg.OutputPaths = []string{cfg.File}
	}

	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	cats := make(map[string]bool, len(cfg.Categories))
	for k, v := range cfg.Categories {
		cats[k] = v
	}

	mu.Lock()
	root = logger
	categories = cats
	loggers = make(map[Category]*Logger)
	mu.Unlock()

	Get(CategoryBoot).Debug("logging initialized: level=%s format=%s", level.String(), zcfg.Encoding)
	return nil
}

// ReplaceRoot swaps the root logger and enables every category. It returns a
// func restoring the previous state; tests use it with zaptest/observer.
func ReplaceRoot(l *zap.Logger) func() {
	mu.Lock()
	prevRoot, prevCats := root, categories
	root = l
	categories = nil
	loggers = make(map[Category]*Logger)
	mu.Unlock()

	return func() {
		mu.Lock()
		root, categories = prevRoot, prevCats
		loggers = make(map[Category]*Logger)
		mu.Unlock()
	}
}

// Root returns the root zap logger.
func Root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// IsCategoryEnabled checks if a category is enabled. Categories missing from
// the config are enabled.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return isEnabledLocked(category)
}

func isEnabledLocked(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	return !ok || enabled
}

// Get returns a logger for the specified category.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	base := zap.NewNop()
	if isEnabledLocked(category) {
		base = root.With(zap.String("cat", string(category)))
	}
	l := &Logger{category: category, sugar: base.Sugar()}
	loggers[category] = l
	return l
}

// Category returns the logger's category.
func (l *Logger) Category() Category { return l.category }

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a child logger carrying structured key/value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Sync flushes the root logger.
func Sync() {
	if err := Root().Sync(); err != nil && !isIgnorableSyncError(err) {
		fmt.Fprintf(os.Stderr, "[logging] sync failed: %v\n", err)
	}
}

// stderr/stdout sync returns EINVAL or ENOTTY on most platforms.
func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Session(format string, args ...interface{})      { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }
func SessionWarn(format string, args ...interface{})  { Get(CategorySession).Warn(format, args...) }

func Capture(format string, args ...interface{})      { Get(CategoryCapture).Info(format, args...) }
func CaptureDebug(format string, args ...interface{}) { Get(CategoryCapture).Debug(format, args...) }

func Queue(format string, args ...interface{})      { Get(CategoryQueue).Info(format, args...) }
func QueueDebug(format string, args ...interface{}) { Get(CategoryQueue).Debug(format, args...) }
func QueueWarn(format string, args ...interface{})  { Get(CategoryQueue).Warn(format, args...) }

func Channel(format string, args ...interface{})      { Get(CategoryChannel).Info(format, args...) }
func ChannelDebug(format string, args ...interface{}) { Get(CategoryChannel).Debug(format, args...) }
func ChannelWarn(format string, args ...interface{})  { Get(CategoryChannel).Warn(format, args...) }

func Transport(format string, args ...interface{})      { Get(CategoryTransport).Info(format, args...) }
func TransportDebug(format string, args ...interface{}) { Get(CategoryTransport).Debug(format, args...) }
func TransportWarn(format string, args ...interface{})  { Get(CategoryTransport).Warn(format, args...) }
func TransportError(format string, args ...interface{}) { Get(CategoryTransport).Error(format, args...) }

func Snapshot(format string, args ...interface{})      { Get(CategorySnapshot).Info(format, args...) }
func SnapshotDebug(format string, args ...interface{}) { Get(CategorySnapshot).Debug(format, args...) }
func SnapshotWarn(format string, args ...interface{})  { Get(CategorySnapshot).Warn(format, args...) }

func Control(format string, args ...interface{})      { Get(CategoryControl).Info(format, args...) }
func ControlDebug(format string, args ...interface{}) { Get(CategoryControl).Debug(format, args...) }
func ControlWarn(format string, args ...interface{})  { Get(CategoryControl).Warn(format, args...) }

func Agent(format string, args ...interface{})      { Get(CategoryAgent).Info(format, args...) }
func AgentDebug(format string, args ...interface{}) { Get(CategoryAgent).Debug(format, args...) }
func AgentWarn(format string, args ...interface{})  { Get(CategoryAgent).Warn(format, args...) }

func Relay(format string, args ...interface{})      { Get(CategoryRelay).Info(format, args...) }
func RelayDebug(format string, args ...interface{}) { Get(CategoryRelay).Debug(format, args...) }
func RelayWarn(format string, args ...interface{})  { Get(CategoryRelay).Warn(format, args...) }

func Browser(format string, args ...interface{})      { Get(CategoryBrowser).Info(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }
func BrowserWarn(format string, args ...interface{})  { Get(CategoryBrowser).Warn(format, args...) }
func BrowserError(format string, args ...interface{}) { Get(CategoryBrowser).Error(format, args...) }

func ConfigInfo(format string, args ...interface{}) { Get(CategoryConfig).Info(format, args...) }
func ConfigWarn(format string, args ...interface{}) { Get(CategoryConfig).Warn(format, args...) }
