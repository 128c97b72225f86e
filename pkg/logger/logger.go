// Package logger wires the process-wide slog loggers: the application logger
// and a separate audit logger whose file output is rotated by lumberjack.
package logger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 描述应用日志的行为。
type Config struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Rotation    Rotation    `json:"rotation" yaml:"rotation"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// Rotation 控制文件输出的滚动策略。
type Rotation struct {
	MaxSizeMB  int  `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `json:"compress" yaml:"compress"`
}

// AuditConfig 控制审计日志输出。
type AuditConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Path     string   `json:"path" yaml:"path"`
	Rotation Rotation `json:"rotation" yaml:"rotation"`
}

var (
	defaultLogger atomic.Pointer[slog.Logger]
	auditLogger   atomic.Pointer[slog.Logger]

	mu      sync.Mutex
	closers []io.Closer
)

// Init 配置全局日志实例，可重复调用，后一次配置覆盖前一次。
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var opened []io.Closer

	writer, err := buildWriter(cfg.OutputPaths, cfg.Rotation, &opened)
	if err != nil {
		closeAll(opened)
		return err
	}
	app := slog.New(newHandler(cfg.Format, writer, opts))

	audit := app
	if cfg.Audit.Enabled {
		if strings.TrimSpace(cfg.Audit.Path) == "" {
			closeAll(opened)
			return errors.New("audit log path cannot be empty when enabled")
		}
		rotating := newRotatingFile(cfg.Audit.Path, cfg.Audit.Rotation)
		opened = append(opened, rotating)
		audit = slog.New(slog.NewJSONHandler(rotating, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	previous := closers
	closers = opened
	defaultLogger.Store(app)
	auditLogger.Store(audit)
	closeAll(previous)
	return nil
}

func buildWriter(outputs []string, rotation Rotation, opened *[]io.Closer) (io.Writer, error) {
	if len(outputs) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		switch strings.ToLower(strings.TrimSpace(out)) {
		case "", "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			file := newRotatingFile(out, rotation)
			*opened = append(*opened, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

// newRotatingFile 返回按大小滚动的文件输出，目录不存在时由 lumberjack 创建。
func newRotatingFile(path string, r Rotation) *lumberjack.Logger {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 100
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 7
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = 30
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
		LocalTime:  true,
	}
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ParseLevel 解析日志级别，无法识别时使用 info。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L 返回应用日志实例，未初始化时输出到标准输出。
func L() *slog.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Audit 返回审计日志实例。
func Audit() *slog.Logger {
	if l := auditLogger.Load(); l != nil {
		return l
	}
	return L()
}

// Named 返回带组件名的子日志。
func Named(component string) *slog.Logger {
	return L().With(slog.String("component", component))
}

// Sync 关闭所有文件输出。
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	err := closeAll(closers)
	closers = nil
	return err
}

func closeAll(list []io.Closer) error {
	var err error
	for _, c := range list {
		err = errors.Join(err, c.Close())
	}
	return err
}
