package nbd

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/libnbd-go/nbd/internal/queue"
	"github.com/libnbd-go/nbd/internal/statemachine"
	"github.com/libnbd-go/nbd/internal/transport"
	"github.com/libnbd-go/nbd/internal/wire"
)

// newReadyHandle builds a Handle whose engine is already in StateReady
// against one end of a net.Pipe, with the given export facts, so tests can
// exercise strict-mode and command-queue behavior without driving a full
// handshake.
func newReadyHandle(t *testing.T, exportSize uint64, exportFlags uint16) (*Handle, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	engine := statemachine.NewEngine(transport.NewPlain(client, -1), statemachine.Config{ExportName: "disk0"})
	engine.State = statemachine.StateReady
	engine.Session.ExportSize = exportSize
	engine.Session.ExportFlags = exportFlags

	h := NewHandle()
	h.engine = engine
	return h, server
}

func TestPrecheckZeroLengthRejectedExceptFlush(t *testing.T) {
	h, server := newReadyHandle(t, 1<<20, wire.FlagHasFlags)
	defer server.Close()

	if err := h.precheck(wire.CmdRead, 0, 0, 0); err == nil {
		t.Fatal("expected zero-length read to be rejected under strict mode")
	}
	if err := h.precheck(wire.CmdFlush, 0, 0, 0); err != nil {
		t.Fatalf("flush must be exempt from the zero-length check, got %v", err)
	}
}

func TestPrecheckBoundsRejectsOutOfRangeCommand(t *testing.T) {
	h, server := newReadyHandle(t, 4096, wire.FlagHasFlags)
	defer server.Close()

	if err := h.precheck(wire.CmdRead, 0, 4000, 4096); err == nil {
		t.Fatal("expected a command range exceeding export size to be rejected")
	}
	if err := h.precheck(wire.CmdRead, 0, 0, 4096); err != nil {
		t.Fatalf("in-bounds command unexpectedly rejected: %v", err)
	}
}

func TestPrecheckFlagBitsRejectsInvalidBitForCommandType(t *testing.T) {
	h, server := newReadyHandle(t, 1<<20, wire.FlagHasFlags)
	defer server.Close()

	if err := h.precheck(wire.CmdRead, wire.CmdFlagFua, 0, 512); err == nil {
		t.Fatal("expected FUA on a read to be rejected, only DF is valid there")
	}
	if err := h.precheck(wire.CmdRead, wire.CmdFlagDF, 0, 512); err != nil {
		t.Fatalf("DF on a read unexpectedly rejected: %v", err)
	}
}

func TestPrecheckCapabilityRejectsUnadvertisedCommand(t *testing.T) {
	h, server := newReadyHandle(t, 1<<20, wire.FlagHasFlags)
	defer server.Close()

	if err := h.precheck(wire.CmdTrim, 0, 0, 512); err == nil {
		t.Fatal("expected TRIM to be rejected when the server never advertised FlagSendTrim")
	}

	h2, server2 := newReadyHandle(t, 1<<20, wire.FlagHasFlags|wire.FlagSendTrim)
	defer server2.Close()
	if err := h2.precheck(wire.CmdTrim, 0, 0, 512); err != nil {
		t.Fatalf("TRIM unexpectedly rejected once advertised: %v", err)
	}
}

func TestPrecheckFrameSizeRejectsOversizedCommand(t *testing.T) {
	h, server := newReadyHandle(t, 1<<40, wire.FlagHasFlags)
	defer server.Close()

	if err := h.precheck(wire.CmdRead, 0, 0, maxFrameSize+1); err == nil {
		t.Fatal("expected a command past maxFrameSize to be rejected")
	}
}

func TestPrecheckDisabledFlagSkipsAllChecks(t *testing.T) {
	h, server := newReadyHandle(t, 4096, wire.FlagHasFlags)
	defer server.Close()
	h.SetStrictMode(0)

	if err := h.precheck(wire.CmdRead, 0, 100000, 4096); err != nil {
		t.Fatalf("expected no checks with strict mode disabled, got %v", err)
	}
	if h.StrictMode() != 0 {
		t.Fatalf("expected StrictMode to report back what was set")
	}
}

// TestShutdownAbandonPendingRetiresAndReleasesOnce exercises abandonPending's
// drain of both ToIssue and InFlight, confirming each command's completion
// callback and release hook fire exactly once even though the command never
// reached the wire.
func TestShutdownAbandonPendingRetiresAndReleasesOnce(t *testing.T) {
	h, server := newReadyHandle(t, 1<<20, wire.FlagHasFlags)
	defer server.Close()

	var completions, releases int
	mkCmd := func(cookie uint64) *queue.Command {
		return &queue.Command{
			Cookie: cookie,
			Type:   wire.CmdRead,
			Callbacks: queue.Callbacks{
				Completion: func(cmdErr *error) int { completions++; return 0 },
				Release:    func() { releases++ },
			},
		}
	}
	h.engine.ToIssue.PushBack(mkCmd(1))
	h.engine.InFlight.PushBack(mkCmd(2))

	// ShutdownAbandonPending still issues NBD_CMD_DISC on the wire once the
	// pending commands are cancelled locally; drain that one frame so the
	// write side of the pipe doesn't block forever.
	go func() {
		discHdr := make([]byte, wire.RequestHeaderSize)
		io.ReadFull(server, discHdr)
	}()

	if err := h.Shutdown(context.Background(), ShutdownAbandonPending); err != nil {
		t.Fatalf("Shutdown with ShutdownAbandonPending returned an error: %v", err)
	}

	if completions != 2 {
		t.Fatalf("expected 2 completion callbacks, got %d", completions)
	}
	if releases != 2 {
		t.Fatalf("expected 2 release callbacks, got %d", releases)
	}
	if !h.engine.ToIssue.Empty() || !h.engine.InFlight.Empty() {
		t.Fatal("expected both queues drained after abandoning pending commands")
	}
}

// TestCloseAbandonsPendingAndIsIdempotent exercises Close's unconditional
// teardown path and confirms a second Close call (e.g. from a deferred
// cleanup after an explicit Shutdown already ran) is a harmless no-op.
func TestCloseAbandonsPendingAndIsIdempotent(t *testing.T) {
	h, server := newReadyHandle(t, 1<<20, wire.FlagHasFlags)
	defer server.Close()

	released := false
	h.engine.ToIssue.PushBack(&queue.Command{
		Cookie: 1,
		Type:   wire.CmdRead,
		Callbacks: queue.Callbacks{
			Release: func() { released = true },
		},
	})

	if err := h.Close(); err != nil {
		t.Fatalf("Close returned an error: %v", err)
	}
	if !released {
		t.Fatal("expected the pending command's release hook to fire during Close")
	}

	h.engine = nil
	if err := h.Close(); err != nil {
		t.Fatalf("a second Close on an already-torn-down Handle must be a no-op, got %v", err)
	}
}

// TestSetMaxBytesPerSecondWrapsAndUnwrapsTransport exercises both directions
// of Handle.SetMaxBytesPerSecond: wrapping a plain transport in a
// transport.Throttled on first use, and unwrapping it back out when asked
// for a zero/negative rate.
func TestSetMaxBytesPerSecondWrapsAndUnwrapsTransport(t *testing.T) {
	h, server := newReadyHandle(t, 1<<20, wire.FlagHasFlags)
	defer server.Close()

	plain := h.engine.Transport
	if err := h.SetMaxBytesPerSecond(1024); err != nil {
		t.Fatalf("SetMaxBytesPerSecond: %v", err)
	}
	throttled, ok := h.engine.Transport.(*transport.Throttled)
	if !ok {
		t.Fatalf("expected transport to be wrapped in *transport.Throttled, got %T", h.engine.Transport)
	}

	if err := h.SetMaxBytesPerSecond(2048); err != nil {
		t.Fatalf("adjusting an existing throttle: %v", err)
	}
	if h.engine.Transport != throttled {
		t.Fatal("adjusting the rate must not replace the wrapper")
	}

	if err := h.SetMaxBytesPerSecond(0); err != nil {
		t.Fatalf("disabling the throttle: %v", err)
	}
	if h.engine.Transport != plain {
		t.Fatal("expected the original transport back once the throttle is disabled")
	}
}

func TestSetMaxBytesPerSecondRequiresConnectedHandle(t *testing.T) {
	h := NewHandle()
	if err := h.SetMaxBytesPerSecond(1024); err == nil {
		t.Fatal("expected an error setting throughput on an unconnected Handle")
	}
}

// --- end-to-end negotiation over a real Unix socket ---

func dialAndServeGo(t *testing.T, sockPath string, ready chan<- struct{}) {
	t.Helper()
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		defer ln.Close()
		close(ready)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hdr := make([]byte, 16)
		binary.BigEndian.PutUint64(hdr[0:8], wire.NBDMagic)
		binary.BigEndian.PutUint64(hdr[8:16], wire.OptMagic)
		conn.Write(hdr)
		flags := make([]byte, 2)
		binary.BigEndian.PutUint16(flags, wire.FlagFixedNewstyle)
		conn.Write(flags)
		clientFlags := make([]byte, 4)
		io.ReadFull(conn, clientFlags)

		optHdr := make([]byte, wire.OptionRequestHeaderSize)
		io.ReadFull(conn, optHdr)
		option := binary.BigEndian.Uint32(optHdr[8:12])
		length := binary.BigEndian.Uint32(optHdr[12:16])
		if length > 0 {
			io.CopyN(io.Discard, conn, int64(length))
		}
		if option != wire.OptGo {
			t.Errorf("expected OPT_GO as the only queued option (TLS/structured-reply/meta-context all left at defaults), got %d", option)
			return
		}

		info := make([]byte, 2+4+4+4)
		binary.BigEndian.PutUint16(info[0:2], wire.InfoBlockSize)
		binary.BigEndian.PutUint32(info[2:6], 512)
		binary.BigEndian.PutUint32(info[6:10], 4096)
		binary.BigEndian.PutUint32(info[10:14], 0xffffffff)
		writeGoReply(conn, wire.RepInfo, info)
		writeGoReply(conn, wire.RepAck, nil)
	}()
}

func writeGoReply(conn net.Conn, reply uint32, payload []byte) {
	buf := make([]byte, wire.OptionReplyHeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], wire.RepMagic)
	binary.BigEndian.PutUint32(buf[8:12], wire.OptGo)
	binary.BigEndian.PutUint32(buf[12:16], reply)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(payload)))
	copy(buf[wire.OptionReplyHeaderSize:], payload)
	conn.Write(buf)
}

// TestConnectUnixReachesReadyState is a public-API regression test for the
// Poll/StateOption fix: ConnectUnix must hand back a fully negotiated
// Handle, not one paused mid-option-sequence.
func TestConnectUnixReachesReadyState(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "nbd.sock")
	ready := make(chan struct{})
	dialAndServeGo(t, sockPath, ready)
	<-ready

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h, err := ConnectUnix(ctx, sockPath, ConnectOptions{ExportName: "disk0"})
	if err != nil {
		t.Fatalf("ConnectUnix: %v", err)
	}
	defer h.Close()

	if !h.Connected() {
		t.Fatal("expected a connected Handle after ConnectUnix returns")
	}
	if _, pref, _ := h.BlockSizeConstraints(); pref != 4096 {
		t.Fatalf("expected preferred block size 4096, got %d", pref)
	}
}

// TestOptAPIDrivesCallerControlledNegotiation exercises the public
// OptGo/OptAbort surface end to end against a Handle paused in option mode,
// the same regression this module's new public API closed.
func TestOptAPIDrivesCallerControlledNegotiation(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	engine := statemachine.NewEngine(transport.NewPlain(client, -1), statemachine.Config{OptMode: true})
	h := NewHandle()
	h.engine = engine

	done := make(chan struct{})
	go func() {
		defer close(done)
		hdr := make([]byte, 16)
		binary.BigEndian.PutUint64(hdr[0:8], wire.NBDMagic)
		binary.BigEndian.PutUint64(hdr[8:16], wire.OptMagic)
		server.Write(hdr)
		flags := make([]byte, 2)
		binary.BigEndian.PutUint16(flags, wire.FlagFixedNewstyle)
		server.Write(flags)
		clientFlags := make([]byte, 4)
		io.ReadFull(server, clientFlags)
	}()

	if err := h.Poll(context.Background()); err != nil {
		t.Fatalf("Poll into option mode: %v", err)
	}
	<-done
	if h.engine.State != statemachine.StateOption {
		t.Fatalf("expected OptMode Poll to pause in StateOption, got %s", h.engine.State)
	}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		optHdr := make([]byte, wire.OptionRequestHeaderSize)
		io.ReadFull(server, optHdr)
		length := binary.BigEndian.Uint32(optHdr[12:16])
		if length > 0 {
			io.CopyN(io.Discard, server, int64(length))
		}
		writeGoReply(server, wire.RepAck, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.OptGo(ctx, "disk0"); err != nil {
		t.Fatalf("OptGo: %v", err)
	}
	<-serverDone

	if !h.Connected() {
		t.Fatal("expected OptGo to leave the Handle connected")
	}
	if h.ExportName() != "disk0" {
		t.Fatalf("expected ExportName disk0, got %q", h.ExportName())
	}
}

func TestOptModeReadyRejectsWrongState(t *testing.T) {
	h := NewHandle()
	if err := h.optModeReady(); err == nil {
		t.Fatal("expected optModeReady to reject an unconnected Handle")
	}

	h2, server := newReadyHandle(t, 1<<20, wire.FlagHasFlags)
	defer server.Close()
	if err := h2.optModeReady(); err == nil {
		t.Fatal("expected optModeReady to reject a Handle already in StateReady")
	}
}
