package bridge

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorBufferRecordAndClear(t *testing.T) {
	var b ErrorBuffer

	if _, occupied := b.Last(); occupied {
		t.Error("fresh buffer is occupied")
	}

	b.Record("first failure")
	message, occupied := b.Last()
	if !occupied || message != "first failure" {
		t.Errorf("Last = %q, %v", message, occupied)
	}

	b.Record("second failure")
	if message, _ := b.Last(); message != "second failure" {
		t.Errorf("Last = %q, want most recent", message)
	}

	b.Clear()
	message, occupied = b.Last()
	if occupied || message != "" {
		t.Errorf("after Clear: %q, %v", message, occupied)
	}
}

func TestErrorBufferTruncates(t *testing.T) {
	var b ErrorBuffer

	b.Record(strings.Repeat("x", errorBufferCap+100))
	message, _ := b.Last()
	if len(message) != errorBufferCap {
		t.Errorf("stored %d bytes, want %d", len(message), errorBufferCap)
	}
}

func TestResultOf(t *testing.T) {
	if got := ResultOf(nil); got != ResultOK {
		t.Errorf("ResultOf(nil) = %v", got)
	}
	if got := ResultOf(coded(ResultTimeout, "slow")); got != ResultTimeout {
		t.Errorf("ResultOf = %v, want timeout", got)
	}
	if got := ResultOf(errors.New("plain")); got != ResultUnknown {
		t.Errorf("ResultOf(plain error) = %v, want unknown", got)
	}
}
