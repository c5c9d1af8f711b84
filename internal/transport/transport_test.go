package transport

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestPlainRecvWouldBlock(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := NewPlain(client, -1)
	buf := make([]byte, 16)
	_, err := p.Recv(buf)
	if err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock on empty pipe, got %v", err)
	}
}

func TestPlainSendRecvRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := NewPlain(client, -1)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 5)
		io.ReadFull(server, buf)
		close(done)
	}()

	for {
		n, err := p.Send([]byte("hello"), false)
		if err == ErrWouldBlock {
			continue
		}
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if n != 5 {
			t.Fatalf("short send: %d", n)
		}
		break
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server read")
	}
}

func TestThrottledSendCapsBurst(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go io.Copy(io.Discard, server)

	th := NewThrottled(NewPlain(client, -1), 10)
	n, err := th.Send(make([]byte, 1000), false)
	if err != nil && err != ErrWouldBlock {
		t.Fatalf("unexpected error: %v", err)
	}
	if err == nil && n > 10 {
		t.Fatalf("sent %d bytes through a 10 B/s limiter on the first call", n)
	}
}

func TestNewThrottledBypassesWhenUnlimited(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := NewPlain(client, -1)
	if NewThrottled(p, 0) != Transport(p) {
		t.Fatal("expected NewThrottled(t, 0) to return t unwrapped")
	}
}
