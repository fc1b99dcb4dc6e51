package logger

import (
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestErrorRecordsComponentCounter(t *testing.T) {
	before := atomic.LoadInt64(&errorsSession)

	log := Logger()
	log.WithComponent("ws_session").Error("boom")

	if after := atomic.LoadInt64(&errorsSession); after != before+1 {
		t.Fatalf("session error counter = %d, want %d", after, before+1)
	}
}

func TestIncrementRealtimeRead(t *testing.T) {
	before := atomic.LoadInt64(&realtimeReads)
	IncrementRealtimeRead(128)
	if after := atomic.LoadInt64(&realtimeReads); after != before+1 {
		t.Fatalf("realtime read counter = %d, want %d", after, before+1)
	}

	v, ok := channels.Load("realtime_ws")
	if !ok {
		t.Fatal("realtime_ws channel stat missing")
	}
	if got := atomic.LoadInt64(&v.(*channelStat).bytes); got < 128 {
		t.Fatalf("channel bytes = %d, want >= 128", got)
	}
}
