// Package utils
package utils

import (
	"log"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// DefaultLogFile is where GetLogger writes unless SetLogFile is called first.
const DefaultLogFile = "limit-escrow.log"

var logFile = DefaultLogFile

// SetLogFile changes the file GetLogger writes to. It has no effect once the
// logger exists.
func SetLogFile(path string) {
	if path != "" {
		logFile = path
	}
}

// GetLogger returns the process logger. It writes JSON lines to the log file
// and a console rendering to stderr.
func GetLogger() *zap.Logger {
	once.Do(func() {
		file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal(err)
		}
		logger = NewLogger(zapcore.AddSync(file), zapcore.Lock(os.Stderr), zapcore.InfoLevel)
	})
	return logger
}

// NewLogger tees a JSON encoder on file and a console encoder on console.
func NewLogger(file, console zapcore.WriteSyncer, level zapcore.LevelEnabler) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), file, level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), console, level),
	)
	return zap.New(core, zap.AddCaller()).Named("limit-escrow")
}
