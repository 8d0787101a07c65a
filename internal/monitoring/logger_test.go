package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLoggerCaptures(t *testing.T) {
	defer SetLogger(nil)

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})

	Logf("hello %s", "world")
	if got != "hello world" {
		t.Fatalf("expected captured log, got %q", got)
	}
}

func TestSetLoggerNilIsNoop(t *testing.T) {
	SetLogger(nil)
	// must not panic
	Logf("dropped %d", 1)
	SetLogger(nil)
}
