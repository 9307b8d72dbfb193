package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Format selects the log output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds logging configuration.
type Config struct {
	Level    string `yaml:"level" json:"level"`
	Format   Format `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"` // stdout, stderr, file
	Filename string `yaml:"filename" json:"filename"`

	// Rotation settings, used when Output is "file".
	MaxSizeMB  int  `yaml:"max_size" json:"max_size"`
	MaxAgeDays int  `yaml:"max_age" json:"max_age"`
	MaxBackups int  `yaml:"max_backups" json:"max_backups"`
	Compress   bool `yaml:"compress" json:"compress"`
}

// DefaultConfig is the configuration used when none is supplied.
var DefaultConfig = Config{
	Level:      "info",
	Format:     FormatJSON,
	Output:     "stdout",
	MaxSizeMB:  100,
	MaxAgeDays: 30,
	MaxBackups: 10,
	Compress:   true,
}

// New builds a configured logrus logger.
func New(cfg Config) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == FormatText {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	log.SetOutput(output(cfg))
	return log
}

func output(cfg Config) io.Writer {
	switch cfg.Output {
	case "stderr":
		return os.Stderr
	case "file":
		if cfg.Filename == "" {
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
	default:
		return os.Stdout
	}
}

// Component returns a logger entry tagged with the component name. All
// long-running services log through a component entry.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}
