package utils

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger структурированный логгер поверх logrus с цепочечным API
type Logger struct {
	entry *logrus.Entry
}

// NewLogger создает новый логгер. format: "json" или "text"
func NewLogger(level, format string) *Logger {
	return newLogger(level, format, os.Stdout)
}

// NewLoggerWithOutput создает логгер с произвольным выводом (используется в тестах)
func NewLoggerWithOutput(level, format string, out io.Writer) *Logger {
	return newLogger(level, format, out)
}

func newLogger(level, format string, out io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(out)

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	if format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{entry: logrus.NewEntry(base)}
}

// NewNopLogger возвращает логгер, который ничего не пишет
func NewNopLogger() *Logger {
	return newLogger("panic", "text", io.Discard)
}

// WithField добавляет поле к логгеру
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields добавляет несколько полей к логгеру
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError добавляет ошибку в поле "error"
func (l *Logger) WithError(err error) *Logger {
	return l.WithField("error", err)
}

// WithContext привязывает контекст к записи
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{entry: l.entry.WithContext(ctx)}
}

// Entry возвращает logrus entry для библиотек, которым нужен *logrus.Entry
func (l *Logger) Entry() *logrus.Entry {
	return l.entry
}

// IsDebug сообщает, включен ли уровень debug
func (l *Logger) IsDebug() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

func (l *Logger) Debug(msg string) { l.entry.Debug(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

func (l *Logger) Info(msg string) { l.entry.Info(msg) }

func (l *Logger) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

func (l *Logger) Warn(msg string) { l.entry.Warn(msg) }

func (l *Logger) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

func (l *Logger) Error(msg string) { l.entry.Error(msg) }

func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// Fatal логирует сообщение уровня fatal и завершает программу
func (l *Logger) Fatal(msg string) { l.entry.Fatal(msg) }

// Fatalf логирует форматированное сообщение уровня fatal и завершает программу
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

// Default logger instance
var defaultLogger = NewLogger("info", "text")

// SetDefaultLogger устанавливает логгер по умолчанию
func SetDefaultLogger(logger *Logger) {
	defaultLogger = logger
}

// DefaultLogger возвращает логгер по умолчанию
func DefaultLogger() *Logger {
	return defaultLogger
}
