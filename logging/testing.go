package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

type testWriter struct {
	tb testing.TB
}

// NewTestWriter returns a zap write syncer that logs to the underlying `testing.TB` object. Writing
// logs with `tb.Log` correctly associates the log line with a Golang "Test*" function, which
// matters for tests running in parallel where writing to stdout can map log lines to the wrong test.
func NewTestWriter(tb testing.TB) zapcore.WriteSyncer {
	return &testWriter{tb}
}

// Write outputs the encoded entry to the underlying test object `Log` method.
func (tw *testWriter) Write(p []byte) (int, error) {
	tw.tb.Helper()
	tw.tb.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// Sync is a no-op.
func (tw *testWriter) Sync() error {
	return nil
}
