package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置。OutputFile 为空时只写控制台。
type Config struct {
	Level      string
	OutputFile string
	MaxSize    int // 单文件上限（MB）
	MaxBackups int
	MaxAge     int // 旧文件保留天数
	Compress   bool
}

var (
	mu   sync.Mutex
	root = newLogger(logrus.InfoLevel, os.Stdout)
)

func newLogger(level logrus.Level, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
		ForceColors:     true,
	})
	return l
}

// Init 按配置重建根 logger。配置了文件时同时写 stdout 和
// lumberjack 轮转文件。未调用 Init 也能用，默认 info 级写 stdout。
func Init(cfg Config) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	out := io.Writer(os.Stdout)
	if cfg.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputFile), 0o755); err != nil {
			return err
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.OutputFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}

	mu.Lock()
	root = newLogger(level, out)
	mu.Unlock()

	// 直接用全局 logrus 的组件也走同一份输出
	logrus.SetLevel(level)
	logrus.SetOutput(out)
	logrus.SetFormatter(root.Formatter)
	return nil
}

// WithField 取根 logger 的带字段 entry，各组件以
// WithField("component", ...) 区分来源。
func WithField(key string, value any) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	return root.WithField(key, value)
}
