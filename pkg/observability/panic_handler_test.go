package observability

import (
	"bytes"
	"testing"
)

func TestRecoverPanicSwallowsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(ErrorLevel, &buf)

	func() {
		defer RecoverPanic(logger, "webhook delivery")
		panic("delivery exploded")
	}()

	record := singleRecord(t, &buf)
	if record["panic"] != "delivery exploded" {
		t.Errorf("expected panic value in record, got %v", record["panic"])
	}
	if record["where"] != "webhook delivery" {
		t.Errorf("expected where field, got %v", record["where"])
	}
	if record["stack"] == nil || record["stack"] == "" {
		t.Error("expected stack trace in record")
	}
}

func TestRecoverPanicNoPanicNoLog(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(ErrorLevel, &buf)

	func() {
		defer RecoverPanic(logger, "quiet path")
	}()

	if buf.Len() != 0 {
		t.Errorf("expected no output without a panic, got %s", buf.String())
	}
}

func TestRecoverPanicWithCallback(t *testing.T) {
	logger := quietLogger()

	called := false
	func() {
		defer RecoverPanicWithCallback(logger, "handler", func() { called = true })
		panic("handler died")
	}()
	if !called {
		t.Error("callback should fire after a panic")
	}

	called = false
	func() {
		defer RecoverPanicWithCallback(logger, "handler", func() { called = true })
	}()
	if called {
		t.Error("callback should not fire without a panic")
	}
}
