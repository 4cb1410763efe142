package test

import (
	"testing"

	"github.com/go-kit/log"
)

type testingLogger struct {
	t testing.TB
}

// NewTestingLogger logs through t, so output only shows for failed or
// verbose tests. It must not be used by goroutines outliving the test.
func NewTestingLogger(t testing.TB) log.Logger {
	return &testingLogger{
		t: t,
	}
}

func (l *testingLogger) Log(keyvals ...interface{}) error {
	l.t.Helper()
	l.t.Log(keyvals...)
	return nil
}
