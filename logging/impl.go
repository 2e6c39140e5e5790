package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging interface handed to camera models and tools.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Sublogger returns a logger whose name is this logger's name joined with subname by a dot.
	Sublogger(subname string) Logger
	SetLevel(level zapcore.Level)
	Level() zapcore.Level
	AsZap() *zap.SugaredLogger
	Sync() error
}

type impl struct {
	name  string
	level zap.AtomicLevel
	core  zapcore.Core
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}
	return &impl{
		name:  newName,
		level: zap.NewAtomicLevelAt(imp.level.Level()),
		core:  imp.core,
	}
}

func (imp *impl) SetLevel(level zapcore.Level) {
	imp.level.SetLevel(level)
}

func (imp *impl) Level() zapcore.Level {
	return imp.level.Level()
}

func (imp *impl) Sync() error {
	return imp.core.Sync()
}

func (imp *impl) AsZap() *zap.SugaredLogger {
	return zap.New(imp.core, zap.AddCaller(), zap.IncreaseLevel(imp.level)).Sugar().Named(imp.name)
}

// sugared skips the wrapper frame so the reported caller is the code that called the Logger method.
func (imp *impl) sugared() *zap.SugaredLogger {
	return imp.AsZap().WithOptions(zap.AddCallerSkip(1))
}

func (imp *impl) Debug(args ...interface{}) { imp.sugared().Debug(args...) }
func (imp *impl) Info(args ...interface{})  { imp.sugared().Info(args...) }
func (imp *impl) Warn(args ...interface{})  { imp.sugared().Warn(args...) }
func (imp *impl) Error(args ...interface{}) { imp.sugared().Error(args...) }

func (imp *impl) Debugf(template string, args ...interface{}) {
	imp.sugared().Debugf(template, args...)
}

func (imp *impl) Infof(template string, args ...interface{}) {
	imp.sugared().Infof(template, args...)
}

func (imp *impl) Warnf(template string, args ...interface{}) {
	imp.sugared().Warnf(template, args...)
}

func (imp *impl) Errorf(template string, args ...interface{}) {
	imp.sugared().Errorf(template, args...)
}

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	imp.sugared().Debugw(msg, keysAndValues...)
}

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	imp.sugared().Infow(msg, keysAndValues...)
}

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	imp.sugared().Warnw(msg, keysAndValues...)
}

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	imp.sugared().Errorw(msg, keysAndValues...)
}
