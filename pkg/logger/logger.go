// Package logger provides the structured logger shared by every component.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggingConfig controls how log output is formatted and where it goes.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" json:"format" env:"LOG_FORMAT"` // "json" or "text"
	Output     string `yaml:"output" json:"output" env:"LOG_OUTPUT"` // "stdout", "stderr", "file"
	FilePrefix string `yaml:"file_prefix" json:"file_prefix"`         // used when Output is "file"
	Directory  string `yaml:"directory" json:"directory" env:"LOG_DIR"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
}

// Logger wraps logrus so call sites can use WithField chains directly.
type Logger struct {
	*logrus.Logger
	name string
}

// New builds a logger from configuration.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	l.SetOutput(outputFor(cfg))
	return &Logger{Logger: l, name: cfg.FilePrefix}
}

// NewDefault returns an info-level JSON logger tagged with the component name.
func NewDefault(name string) *Logger {
	log := New(LoggingConfig{Level: "info", Format: "json", Output: "stdout"})
	log.name = name
	return log
}

// Name returns the component name the logger was created for.
func (l *Logger) Name() string {
	return l.name
}

// Component returns an entry tagged with the component field.
func (l *Logger) Component(component string) *logrus.Entry {
	return l.WithField("component", component)
}

func outputFor(cfg LoggingConfig) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return os.Stderr
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "lottery"
		}
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		backups := cfg.MaxBackups
		if backups <= 0 {
			backups = 5
		}
		return &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Directory, prefix+".log"),
			MaxSize:    maxSize,
			MaxBackups: backups,
			Compress:   true,
		}
	default:
		return os.Stdout
	}
}
