package call

import (
	"errors"
	"testing"
	"time"
)

func TestRegistryBeginGetEnd(t *testing.T) {
	r := NewRegistry(time.Minute)

	c := r.Begin(KindTwilio, "203.0.113.9:1234", 8000)
	if c.ID == "" {
		t.Fatal("Begin() returned empty call ID")
	}
	if c.Status != StatusActive {
		t.Fatalf("new call status = %q, want active", c.Status)
	}

	if err := r.SetStream(c.ID, "MZ1", "CA1"); err != nil {
		t.Fatalf("SetStream() error = %v", err)
	}
	got, err := r.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.StreamSID != "MZ1" || got.ProviderCallSID != "CA1" {
		t.Fatalf("stream identifiers = %q/%q, want MZ1/CA1", got.StreamSID, got.ProviderCallSID)
	}

	ended, err := r.End(c.ID, "completed")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded || ended.EndReason != "completed" {
		t.Fatalf("ended call = %+v, want ended/completed", ended)
	}
	if ended.EndedAt.IsZero() {
		t.Fatal("ended call has zero EndedAt")
	}

	// A second End keeps the original reason.
	again, err := r.End(c.ID, "transport_error")
	if err != nil {
		t.Fatalf("second End() error = %v", err)
	}
	if again.EndReason != "completed" {
		t.Fatalf("second End() reason = %q, want completed", again.EndReason)
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(time.Minute)
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := r.End("nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("End() error = %v, want ErrNotFound", err)
	}
}

func TestRegistryActiveCountAndList(t *testing.T) {
	r := NewRegistry(time.Minute)
	a := r.Begin(KindWebSocket, "", 16000)
	b := r.Begin(KindTwilio, "", 8000)

	if got := r.ActiveCount(); got != 2 {
		t.Fatalf("ActiveCount() = %d, want 2", got)
	}
	if _, err := r.End(a.ID, "completed"); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if got := r.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() after end = %d, want 1", got)
	}

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d calls, want 2", len(list))
	}
	_ = b
}

func TestRegistryExpiresInactiveCalls(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	var expired []*Call
	r.SetExpireHook(func(c *Call) { expired = append(expired, c) })

	c := r.Begin(KindWebSocket, "", 16000)
	time.Sleep(20 * time.Millisecond)
	r.sweep()

	got, err := r.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded || got.EndReason != "inactivity" {
		t.Fatalf("expired call = %+v, want ended/inactivity", got)
	}
	if len(expired) != 1 || expired[0].ID != c.ID {
		t.Fatalf("expire hook saw %v, want one call %s", expired, c.ID)
	}
}
