package netlinkmgr

import (
	"errors"
	"testing"
	"time"
)

func TestIsNotExist(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("no such file or directory"), true},
		{errors.New("cannot assign requested address"), true},
		{errors.New("permission denied"), false},
	}
	for _, c := range cases {
		if got := isNotExist(c.err); got != c.want {
			t.Errorf("isNotExist(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestWithRetrySucceedsFirstTry(t *testing.T) {
	m := &Manager{}
	calls := 0
	err := m.withRetry(func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err = %v, calls = %d, want nil, 1", err, calls)
	}
}

func TestWithRetryRetriesOnceThenFails(t *testing.T) {
	m := &Manager{}
	start := time.Now()
	err := m.withRetry(func() error {
		time.Sleep(ackTimeout + 50*time.Millisecond)
		return errors.New("unreachable")
	})
	if err == nil {
		t.Fatal("expected an error after two timed-out attempts")
	}
	if elapsed := time.Since(start); elapsed < 2*ackTimeout {
		t.Fatalf("withRetry returned after %v, want at least %v (two timeouts)", elapsed, 2*ackTimeout)
	}
}

func TestWithRetrySucceedsOnRetry(t *testing.T) {
	m := &Manager{}
	attempt := 0
	err := m.withRetry(func() error {
		attempt++
		if attempt == 1 {
			time.Sleep(ackTimeout + 50*time.Millisecond)
			return errors.New("slow")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected the retried call to succeed, got %v", err)
	}
	if attempt < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempt)
	}
}
