package viewer

import (
	"fmt"
	"log"
	"testing"
	"time"
)

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(10)
	fmt.Fprint(b, "CALL [a]: one\nSTORE: tw")
	fmt.Fprint(b, "o\r\n\n")

	got := b.Snapshot()
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2: %+v", len(got), got)
	}
	if got[0].Msg != "CALL [a]: one" || got[1].Msg != "STORE: two" {
		t.Errorf("entries = %+v", got)
	}
}

func TestLogBufferFilterAndLimit(t *testing.T) {
	b := NewLogBuffer(10)
	lg := log.New(b, "", 0)
	for i := 0; i < 5; i++ {
		lg.Printf("CALL [%d]: x", i)
		lg.Printf("MEDIA [%d]: y", i)
	}
	calls := b.Filter("CALL", 0)
	if len(calls) != 5 {
		t.Fatalf("CALL entries = %d", len(calls))
	}
	last := b.Filter("CALL", 2)
	if len(last) != 2 || last[1].Msg != "CALL [4]: x" {
		t.Errorf("limited = %+v", last)
	}
	if n := len(b.Filter("", 0)); n != 10 {
		t.Errorf("all = %d", n)
	}
}

func TestLogBufferSubscribe(t *testing.T) {
	b := NewLogBuffer(10)
	ch, cancel := b.Subscribe()
	defer cancel()

	fmt.Fprintln(b, "hello")
	select {
	case e := <-ch:
		if e.Msg != "hello" {
			t.Errorf("msg = %q", e.Msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel open after cancel")
	}
}
