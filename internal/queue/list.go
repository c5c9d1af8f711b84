package queue

// List is an intrusive doubly-linked list of *Command: head+tail pointers
// with the links stored on the Command itself, so Remove from the middle
// (needed for cookie-routed retirement) is O(1) once the node is found.
// A Command is a member of at most one List at a time; moving it between
// lists is Remove+PushBack, a pointer swing with no copy.
type List struct {
	head, tail *Command
	count      int
}

// Len returns the number of commands currently linked into the list.
func (l *List) Len() int { return l.count }

// Empty reports whether the list has no commands.
func (l *List) Empty() bool { return l.count == 0 }

// Front returns the first command, or nil if the list is empty.
func (l *List) Front() *Command { return l.head }

// PushBack appends cmd to the tail of the list. cmd must not already belong
// to a list.
func (l *List) PushBack(cmd *Command) {
	cmd.next = nil
	cmd.prev = l.tail
	if l.tail != nil {
		l.tail.next = cmd
	} else {
		l.head = cmd
	}
	l.tail = cmd
	l.count++
}

// Remove unlinks cmd from the list. cmd must currently belong to this list.
func (l *List) Remove(cmd *Command) {
	if cmd.prev != nil {
		cmd.prev.next = cmd.next
	} else {
		l.head = cmd.next
	}
	if cmd.next != nil {
		cmd.next.prev = cmd.prev
	} else {
		l.tail = cmd.prev
	}
	cmd.next, cmd.prev = nil, nil
	l.count--
}

// PopFront removes and returns the first command, or nil if empty.
func (l *List) PopFront() *Command {
	cmd := l.head
	if cmd == nil {
		return nil
	}
	l.Remove(cmd)
	return cmd
}

// FindByCookie scans the list for a command with the given cookie. Lookup is
// linear by design: callers typically cap in-flight depth, keeping the
// in-flight list short enough that a scan is cheap relative to a round trip
// to the server.
func (l *List) FindByCookie(cookie uint64) *Command {
	for c := l.head; c != nil; c = c.next {
		if c.Cookie == cookie {
			return c
		}
	}
	return nil
}

// Each calls fn for every command in the list, in order. fn must not mutate
// list membership (use a collected slice first if removal is needed).
func (l *List) Each(fn func(*Command)) {
	for c := l.head; c != nil; c = c.next {
		fn(c)
	}
}

// Drain removes every command from the list and returns them in order.
func (l *List) Drain() []*Command {
	out := make([]*Command, 0, l.count)
	for c := l.PopFront(); c != nil; c = l.PopFront() {
		out = append(out, c)
	}
	return out
}
