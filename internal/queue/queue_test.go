package queue

import "testing"

func TestCookieAllocatorNeverRepeatsOrReturnsZero(t *testing.T) {
	a := NewCookieAllocator()
	seen := make(map[uint64]bool)
	for i := 0; i < 10000; i++ {
		c := a.Next()
		if c == 0 {
			t.Fatalf("cookie 0 is reserved for 'no cookie'")
		}
		if seen[c] {
			t.Fatalf("cookie %d repeated", c)
		}
		seen[c] = true
	}
}

func TestListMoveBetweenLists(t *testing.T) {
	var toIssue, inFlight, done List

	c1 := &Command{Cookie: 1}
	c2 := &Command{Cookie: 2}
	toIssue.PushBack(c1)
	toIssue.PushBack(c2)

	if toIssue.Len() != 2 {
		t.Fatalf("expected 2 in to-issue, got %d", toIssue.Len())
	}

	first := toIssue.PopFront()
	inFlight.PushBack(first)

	if toIssue.Len() != 1 || inFlight.Len() != 1 {
		t.Fatalf("unexpected list lengths: to-issue=%d in-flight=%d", toIssue.Len(), inFlight.Len())
	}

	found := inFlight.FindByCookie(1)
	if found == nil || found.Cookie != 1 {
		t.Fatalf("expected to find cookie 1 in-flight")
	}

	inFlight.Remove(found)
	done.PushBack(found)

	if inFlight.Len() != 0 || done.Len() != 1 {
		t.Fatalf("unexpected list lengths after retirement: in-flight=%d done=%d", inFlight.Len(), done.Len())
	}
}

func TestListFindByCookieMissing(t *testing.T) {
	var l List
	l.PushBack(&Command{Cookie: 5})
	if l.FindByCookie(99) != nil {
		t.Fatal("expected nil for missing cookie")
	}
}

func TestCommandRetireAndReleaseAreIdempotent(t *testing.T) {
	calls := 0
	cmd := &Command{Callbacks: Callbacks{Release: func() { calls++ }}}
	cmd.RunRelease()
	cmd.RunRelease()
	if calls != 1 {
		t.Fatalf("release called %d times, want 1", calls)
	}

	if cmd.Retired() {
		t.Fatal("expected not retired yet")
	}
	cmd.MarkRetired()
	if !cmd.Retired() {
		t.Fatal("expected retired")
	}
}
