package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("Be terse.")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Instructions != "Be terse." || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
}

func TestManagerGetUnknownSession(t *testing.T) {
	m := NewManager(time.Minute)
	if _, err := m.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestManagerSetInstructions(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("")
	if err := m.SetInstructions(s.ID, "Speak slowly."); err != nil {
		t.Fatalf("SetInstructions() error = %v", err)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Instructions != "Speak slowly." {
		t.Fatalf("Instructions = %q, want %q", got.Instructions, "Speak slowly.")
	}
}

func TestManagerActiveCount(t *testing.T) {
	m := NewManager(time.Minute)
	a := m.Create("")
	m.Create("")
	if got := m.ActiveCount(); got != 2 {
		t.Fatalf("ActiveCount() = %d, want 2", got)
	}
	if _, err := m.End(a.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if got := m.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() after End = %d, want 1", got)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("")

	expired := make(chan string, 4)
	m.SetExpireHook(func(s *Session) {
		expired <- s.ID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != s.ID {
			t.Fatalf("expired session = %q, want %q", id, s.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor never expired the session")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
}
