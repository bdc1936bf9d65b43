package subscription

import (
	"fmt"
	"slices"
	"sync"
	"testing"
)

func TestChatChannel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"#SomeChannel", "somechannel"},
		{"somechannel", "somechannel"},
		{"  #Mixed ", "mixed"},
		{"#", ""},
	}
	for _, tt := range tests {
		if got := ChatChannel(tt.in); got != tt.want {
			t.Errorf("ChatChannel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLedgerAddRemove(t *testing.T) {
	l := NewLedger(ChatChannel)

	added := l.Add("#A", "b", "a", "")
	if !slices.Equal(added, []string{"a", "b"}) {
		t.Errorf("Add() = %v, want [a b]", added)
	}
	if added := l.Add("#B"); len(added) != 0 {
		t.Errorf("second Add() = %v, want none", added)
	}
	if !l.IsDesired("#A") {
		t.Error("IsDesired(#A) = false")
	}

	l.Ack("a")
	removed := l.Remove("a", "missing")
	if !slices.Equal(removed, []string{"a"}) {
		t.Errorf("Remove() = %v, want [a]", removed)
	}
	if l.IsAcknowledged("a") {
		t.Error("removed topic still acknowledged")
	}
	if got := l.Desired(); !slices.Equal(got, []string{"b"}) {
		t.Errorf("Desired() = %v, want [b]", got)
	}
}

func TestLedgerAcknowledgement(t *testing.T) {
	l := NewLedger(nil)
	l.Add("x", "y", "z")

	l.Ack("x", "not-desired")
	if got := l.Acknowledged(); !slices.Equal(got, []string{"x"}) {
		t.Errorf("Acknowledged() = %v, want [x]", got)
	}
	if got := l.Pending(); !slices.Equal(got, []string{"y", "z"}) {
		t.Errorf("Pending() = %v, want [y z]", got)
	}

	l.Ack("y", "z")
	l.Unack("y")
	if got := l.Pending(); !slices.Equal(got, []string{"y"}) {
		t.Errorf("Pending() after Unack = %v, want [y]", got)
	}

	l.ResetAcknowledged()
	snap := l.Snapshot()
	if len(snap.Acknowledged) != 0 {
		t.Errorf("Acknowledged after reset = %v", snap.Acknowledged)
	}
	if !slices.Equal(snap.Desired, []string{"x", "y", "z"}) {
		t.Errorf("Desired after reset = %v", snap.Desired)
	}
}

func TestLedgerReplayCompleteness(t *testing.T) {
	l := NewLedger(nil)
	l.Add("A", "B")
	l.Ack("A", "B")

	// Connection drop.
	l.ResetAcknowledged()

	// Replay everything pending, acknowledging as the server answers.
	for _, topic := range l.Pending() {
		l.Ack(topic)
	}

	snap := l.Snapshot()
	if !slices.Equal(snap.Desired, snap.Acknowledged) {
		t.Errorf("after replay desired=%v acknowledged=%v", snap.Desired, snap.Acknowledged)
	}
}

func TestLedgerConcurrent(t *testing.T) {
	l := NewLedger(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				topic := fmt.Sprintf("t%d-%d", i, j)
				l.Add(topic)
				l.Ack(topic)
				_ = l.Pending()
				if j%2 == 0 {
					l.Remove(topic)
				}
			}
		}(i)
	}
	wg.Wait()

	snap := l.Snapshot()
	if len(snap.Desired) != 8*50 {
		t.Errorf("len(Desired) = %d, want %d", len(snap.Desired), 8*50)
	}
	if !slices.Equal(snap.Desired, snap.Acknowledged) {
		t.Error("acknowledged diverged from desired")
	}
}
