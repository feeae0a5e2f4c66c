// Package logging sets up the platform's structured application logger and
// a RequestLogger that feeds the routing data plane's per-request log
// record asynchronously, so a slow log sink never adds latency to a
// proxied request.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"deploybox/internal/proxy"
)

// Config controls the application logger's level, destination, and
// rotation policy.
type Config struct {
	Level      string
	FilePath   string // empty writes to stderr, no rotation
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewApplicationLogger builds the platform's structured application
// logger. With no FilePath it logs JSON to stderr; with one, output is
// rotated via lumberjack.
func NewApplicationLogger(cfg Config) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.FilePath == "" {
		logger.SetOutput(os.Stderr)
		return logger, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}
	maxAge := cfg.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 30
	}
	logger.SetOutput(&lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	})
	return logger, nil
}

// RequestLogger implements proxy.Logger: it emits one record per completed
// request (host, method, path, status, deployment id, timestamp) at INFO
// for 1xx/2xx/3xx and ERROR for 4xx/5xx, per the routing data plane's
// logging contract. Records are buffered and written from a single
// background goroutine so Log never blocks the request path on I/O.
type RequestLogger struct {
	logger *logrus.Logger
	buffer chan proxy.RequestLog

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRequestLogger builds a RequestLogger writing through logger.
func NewRequestLogger(logger *logrus.Logger) *RequestLogger {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RequestLogger{
		logger: logger,
		buffer: make(chan proxy.RequestLog, 4096),
		ctx:    ctx,
		cancel: cancel,
	}
	rl.wg.Add(1)
	go rl.process()
	return rl
}

// Log implements proxy.Logger. It never blocks: a full buffer drops the
// record and logs a warning instead of backing up the proxy.
func (rl *RequestLogger) Log(rec proxy.RequestLog) {
	select {
	case rl.buffer <- rec:
	default:
		rl.logger.Warn("request log buffer full, dropping entry")
	}
}

func (rl *RequestLogger) process() {
	defer rl.wg.Done()
	for {
		select {
		case rec := <-rl.buffer:
			rl.write(rec)
		case <-rl.ctx.Done():
			for {
				select {
				case rec := <-rl.buffer:
					rl.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (rl *RequestLogger) write(rec proxy.RequestLog) {
	fields := logrus.Fields{
		"host":   rec.Host,
		"method": rec.Method,
		"path":   rec.Path,
		"status": rec.Status,
	}
	if rec.HasDeploy {
		fields["deployment"] = rec.Deployment
	}
	entry := rl.logger.WithFields(fields).WithTime(rec.Time)
	if rec.Status >= 400 {
		entry.Error("request")
		return
	}
	entry.Info("request")
}

// Close stops the background writer, flushing any buffered records first.
func (rl *RequestLogger) Close() error {
	rl.cancel()
	rl.wg.Wait()
	return nil
}
