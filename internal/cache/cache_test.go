package cache

import (
	"errors"
	"testing"
	"time"
)

func newTestManager(maxEntries int) (*Manager, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(maxEntries)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestManagerExpiresEntries(t *testing.T) {
	m, now := newTestManager(10)
	m.Set("a", 1, time.Minute)
	if v, ok := m.Get("a"); !ok || v.(int) != 1 {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}
	*now = now.Add(time.Minute)
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected expiry at ttl boundary")
	}
}

func TestRememberCachesOnlySuccess(t *testing.T) {
	m, _ := newTestManager(10)
	calls := 0
	load := func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("boom")
		}
		return 42, nil
	}
	if _, err := Remember(m, "k", time.Minute, load); err == nil {
		t.Fatalf("expected error from first load")
	}
	for i := 0; i < 3; i++ {
		v, err := Remember(m, "k", time.Minute, load)
		if err != nil || v != 42 {
			t.Fatalf("remember = %d, %v", v, err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected 2 loads, got %d", calls)
	}
}

func TestDeletePrefix(t *testing.T) {
	m, _ := newTestManager(10)
	m.Set("props:hubspot:contacts", []string{"email"}, time.Hour)
	m.Set("props:mailchimp:list", []string{"EMAIL"}, time.Hour)
	m.Set("form:1", "x", time.Hour)
	if removed := m.DeletePrefix("props:"); removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, ok := m.Get("form:1"); !ok {
		t.Fatalf("unrelated key removed")
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", m.Len())
	}
}

func TestSetEvictsWhenFull(t *testing.T) {
	m, _ := newTestManager(2)
	m.Set("a", 1, time.Minute)
	m.Set("b", 2, time.Hour)
	m.Set("c", 3, time.Hour)
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.Len())
	}
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected soonest-expiring entry evicted")
	}
}
