// Package logging provides config-driven categorized file-based logging for
// maestro. Logs are written to .maestro/logs/ with a separate file per
// category, each backed by a zap core. Logging is controlled by the logging
// block of .maestro/config.json - when debug_mode is false, everything is a
// no-op.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"
	CategoryOrchestrator Category = "orchestrator"
	CategoryWorker       Category = "worker"
	CategoryPool         Category = "pool"
	CategorySafety       Category = "safety"
	CategoryReview       Category = "review"
	CategoryMemory       Category = "memory"
	CategoryLearning     Category = "learning"
	CategoryLoop         Category = "loop"
	CategoryScanner      Category = "scanner"
	CategoryAPI          Category = "api"
	CategoryVCS          Category = "vcs"
)

// loggingConfig mirrors the logging block of .maestro/config.json to avoid
// importing the config package (which logs during load).
type loggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

type configFile struct {
	Logging loggingConfig `json:"logging"`
}

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*zap.SugaredLogger)
	logsDir   string
	workspace string
	cfg       loggingConfig
	level     zapcore.Level = zapcore.InfoLevel
)

// Initialize sets up the logging directory and loads config. Call once at
// startup with the workspace path. A no-op (production) setup results when
// debug_mode is off or the config is missing.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	mu.Lock()
	defer mu.Unlock()

	workspace = ws
	logsDir = filepath.Join(workspace, ".maestro", "logs")
	loggers = make(map[Category]*zap.SugaredLogger)

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not load config: %v\n", err)
		cfg.DebugMode = false
	}

	if !cfg.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

func loadConfig() error {
	configPath := filepath.Join(workspace, ".maestro", "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.DebugMode = false
			return nil
		}
		return err
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	cfg = cf.Logging

	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}
	return nil
}

// IsDebugMode reports whether debug logging is enabled.
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return cfg.DebugMode
}

func categoryEnabled(category Category) bool {
	if !cfg.DebugMode || logsDir == "" {
		return false
	}
	if cfg.Categories == nil {
		return true
	}
	enabled, exists := cfg.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) the sugared logger for a category. Disabled
// categories get a nop logger.
func Get(category Category) *zap.SugaredLogger {
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

	if !categoryEnabled(category) {
		l := zap.NewNop().Sugar()
		loggers[category] = l
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not open log file %s: %v\n", logPath, err)
		l := zap.NewNop().Sugar()
		loggers[category] = l
		return l
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(file), level)
	l := zap.New(core).Named(string(category)).Sugar()
	loggers[category] = l
	return l
}

// CloseAll flushes all category loggers (call at shutdown).
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		_ = l.Sync()
	}
	loggers = make(map[Category]*zap.SugaredLogger)
}

// Convenience functions. No-ops when the category is disabled.

func Boot(format string, args ...interface{})     { Get(CategoryBoot).Infof(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debugf(format, args...) }
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Errorf(format, args...) }

func Orchestrator(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Infof(format, args...)
}
func OrchestratorDebug(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Debugf(format, args...)
}
func OrchestratorWarn(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Warnf(format, args...)
}

func Worker(format string, args ...interface{})      { Get(CategoryWorker).Infof(format, args...) }
func WorkerDebug(format string, args ...interface{}) { Get(CategoryWorker).Debugf(format, args...) }
func WorkerError(format string, args ...interface{}) { Get(CategoryWorker).Errorf(format, args...) }

func Pool(format string, args ...interface{})      { Get(CategoryPool).Infof(format, args...) }
func PoolDebug(format string, args ...interface{}) { Get(CategoryPool).Debugf(format, args...) }

func Safety(format string, args ...interface{})      { Get(CategorySafety).Infof(format, args...) }
func SafetyDebug(format string, args ...interface{}) { Get(CategorySafety).Debugf(format, args...) }
func SafetyWarn(format string, args ...interface{})  { Get(CategorySafety).Warnf(format, args...) }
func SafetyError(format string, args ...interface{}) { Get(CategorySafety).Errorf(format, args...) }

func Review(format string, args ...interface{})      { Get(CategoryReview).Infof(format, args...) }
func ReviewDebug(format string, args ...interface{}) { Get(CategoryReview).Debugf(format, args...) }

func Memory(format string, args ...interface{})      { Get(CategoryMemory).Infof(format, args...) }
func MemoryDebug(format string, args ...interface{}) { Get(CategoryMemory).Debugf(format, args...) }
func MemoryError(format string, args ...interface{}) { Get(CategoryMemory).Errorf(format, args...) }

func Learning(format string, args ...interface{}) { Get(CategoryLearning).Infof(format, args...) }
func LearningDebug(format string, args ...interface{}) {
	Get(CategoryLearning).Debugf(format, args...)
}

func Loop(format string, args ...interface{})      { Get(CategoryLoop).Infof(format, args...) }
func LoopDebug(format string, args ...interface{}) { Get(CategoryLoop).Debugf(format, args...) }
func LoopWarn(format string, args ...interface{})  { Get(CategoryLoop).Warnf(format, args...) }

func Scanner(format string, args ...interface{})      { Get(CategoryScanner).Infof(format, args...) }
func ScannerDebug(format string, args ...interface{}) { Get(CategoryScanner).Debugf(format, args...) }

func API(format string, args ...interface{})      { Get(CategoryAPI).Infof(format, args...) }
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debugf(format, args...) }
func APIWarn(format string, args ...interface{})  { Get(CategoryAPI).Warnf(format, args...) }

func VCS(format string, args ...interface{})      { Get(CategoryVCS).Infof(format, args...) }
func VCSError(format string, args ...interface{}) { Get(CategoryVCS).Errorf(format, args...) }

// Timer measures operation duration for the performance-sensitive paths.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debugf("%s completed in %v", t.op, elapsed)
	return elapsed
}
