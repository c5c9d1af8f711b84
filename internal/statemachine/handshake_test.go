package statemachine

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/libnbd-go/nbd/internal/queue"
	"github.com/libnbd-go/nbd/internal/transport"
	"github.com/libnbd-go/nbd/internal/wire"
)

// driveUntil calls Step in a loop, checking stop before every call — the
// same ordering the public package's wait.go drive() uses, and the exact
// ordering the fix to Poll's StateOption stop condition depends on: a
// caller-driven option-mode pause must be observed before the next Step
// call, never after, or stepBeginNextOption silently drains straight
// through to StateReady.
func driveUntil(t *testing.T, e *Engine, stop func() bool) Outcome {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if stop() {
			return Outcome{}
		}
		out := e.Step()
		if out.Err != nil {
			return out
		}
		if out.Advance {
			continue
		}
		if time.Now().After(deadline) {
			t.Fatalf("drive did not reach stop condition before deadline, stuck in %s", e.State)
		}
		time.Sleep(time.Millisecond)
	}
}

// runOptToCompletion drives a single caller-started option-mode exchange
// (whose first Outcome is first) to Advance or Err, mirroring the public
// package's runToCompletion. Unlike driveUntil it has no external stop
// condition: a bounded option-mode exchange's own terminal Advance is the
// only thing that should end the loop.
func runOptToCompletion(t *testing.T, e *Engine, first Outcome) Outcome {
	t.Helper()
	out := first
	deadline := time.Now().Add(2 * time.Second)
	for {
		if out.Err != nil || out.Advance {
			return out
		}
		if time.Now().After(deadline) {
			t.Fatal("option exchange did not complete before deadline")
		}
		time.Sleep(time.Millisecond)
		out = e.Step()
	}
}

// writeOptionReply writes one fixed-newstyle option reply frame to conn.
func writeOptionReply(t *testing.T, conn net.Conn, option, reply uint32, payload []byte) {
	t.Helper()
	buf := make([]byte, wire.OptionReplyHeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], wire.RepMagic)
	binary.BigEndian.PutUint32(buf[8:12], option)
	binary.BigEndian.PutUint32(buf[12:16], reply)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(payload)))
	copy(buf[wire.OptionReplyHeaderSize:], payload)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("writeOptionReply: %v", err)
	}
}

// readOptionRequest reads and decodes one option request frame from conn,
// failing the test on a framing error.
func readOptionRequest(t *testing.T, conn net.Conn) (option uint32, payload []byte) {
	t.Helper()
	hdr := make([]byte, wire.OptionRequestHeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		t.Fatalf("readOptionRequest header: %v", err)
	}
	magic := binary.BigEndian.Uint64(hdr[0:8])
	if magic != wire.OptMagic {
		t.Fatalf("readOptionRequest: bad magic 0x%x", magic)
	}
	option = binary.BigEndian.Uint32(hdr[8:12])
	length := binary.BigEndian.Uint32(hdr[12:16])
	if length == 0 {
		return option, nil
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("readOptionRequest payload: %v", err)
	}
	return option, payload
}

func newPipeEngine(cfg Config) (*Engine, net.Conn) {
	server, client := net.Pipe()
	e := NewEngine(transport.NewPlain(client, -1), cfg)
	return e, server
}

// serveNewstyleHandshake writes the fixed-newstyle magic + global flags and
// reads back the client's flags word, leaving the server conn positioned to
// read the first option request.
func serveNewstyleHandshake(t *testing.T, server net.Conn) {
	t.Helper()
	hdr := make([]byte, 16)
	binary.BigEndian.PutUint64(hdr[0:8], wire.NBDMagic)
	binary.BigEndian.PutUint64(hdr[8:16], wire.OptMagic)
	if _, err := server.Write(hdr); err != nil {
		t.Fatalf("write magic: %v", err)
	}
	flags := make([]byte, 2)
	binary.BigEndian.PutUint16(flags, wire.FlagFixedNewstyle)
	if _, err := server.Write(flags); err != nil {
		t.Fatalf("write global flags: %v", err)
	}
	clientFlags := make([]byte, 4)
	if _, err := io.ReadFull(server, clientFlags); err != nil {
		t.Fatalf("read client flags: %v", err)
	}
}

// serveGo answers an OPT_GO request with a block-size REP_INFO followed by
// REP_ACK.
func serveGo(t *testing.T, server net.Conn) {
	t.Helper()
	option, _ := readOptionRequest(t, server)
	if option != wire.OptGo {
		t.Fatalf("expected OPT_GO, got option %d", option)
	}
	info := make([]byte, 2+4+4+4)
	binary.BigEndian.PutUint16(info[0:2], wire.InfoBlockSize)
	binary.BigEndian.PutUint32(info[2:6], 4096)
	binary.BigEndian.PutUint32(info[6:10], 4096)
	binary.BigEndian.PutUint32(info[10:14], 0xffffffff)
	writeOptionReply(t, server, wire.OptGo, wire.RepInfo, info)
	writeOptionReply(t, server, wire.OptGo, wire.RepAck, nil)
}

// reachStateOption drives the newstyle handshake's client-flags write, then
// stops the instant the engine enters StateOption — before any further
// Step call would let stepBeginNextOption run (it would drain straight to
// StateReady against an empty OptMode queue otherwise).
func reachStateOption(t *testing.T, e *Engine) {
	t.Helper()
	driveUntil(t, e, func() bool { return e.State == StateOption })
}

// TestDefaultSequenceReachesStateReady regression-tests the fix to Poll's
// stop condition. Before the fix, the default (non-option-mode) negotiation
// sequence bounced the engine's State to StateOption between every queued
// option (STARTTLS, SET_META_CONTEXT, GO); a caller-level stop condition
// that fired on StateOption unconditionally returned before GO ever ran,
// handing back an unnegotiated connection. Driving the Engine directly
// here confirms stepBeginNextOption keeps running every queued option and
// the engine lands in StateReady, not StateOption, once GO ACKs.
func TestDefaultSequenceReachesStateReady(t *testing.T) {
	cfg := Config{ExportName: "disk0", RequestStructuredReply: true, RequestedMetaContexts: []string{"base:allocation"}}
	e, server := newPipeEngine(cfg)
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveNewstyleHandshake(t, server)

		// TLSMode is TLSDisable (the zero value), so defaultOptionSequence's
		// queued STARTTLS is skipped locally without any wire exchange;
		// the first request the server actually sees is STRUCTURED_REPLY.
		option, _ := readOptionRequest(t, server)
		if option != wire.OptStructuredReply {
			t.Errorf("expected OPT_STRUCTURED_REPLY, got %d", option)
			return
		}
		writeOptionReply(t, server, wire.OptStructuredReply, wire.RepAck, nil)

		option, _ = readOptionRequest(t, server)
		if option != wire.OptSetMetaContext {
			t.Errorf("expected OPT_SET_META_CONTEXT, got %d", option)
			return
		}
		ctxPayload := make([]byte, 4+len("base:allocation"))
		binary.BigEndian.PutUint32(ctxPayload[0:4], 1)
		copy(ctxPayload[4:], "base:allocation")
		writeOptionReply(t, server, wire.OptSetMetaContext, wire.RepMetaContext, ctxPayload)
		writeOptionReply(t, server, wire.OptSetMetaContext, wire.RepAck, nil)

		serveGo(t, server)
	}()

	out := driveUntil(t, e, func() bool { return e.State == StateReady })
	<-done
	if out.Err != nil {
		t.Fatalf("unexpected engine error: %v", out.Err)
	}
	if e.State != StateReady {
		t.Fatalf("expected StateReady after GO ACK, got %s", e.State)
	}
	if !e.Session.StructuredReplies {
		t.Fatal("expected structured replies negotiated")
	}
	if e.Session.MetaContexts["base:allocation"] != 1 {
		t.Fatalf("expected base:allocation context id 1, got %v", e.Session.MetaContexts)
	}
	if e.Session.BlockPreferred != 4096 {
		t.Fatalf("expected preferred block size 4096, got %d", e.Session.BlockPreferred)
	}
}

// TestOldstyleReachesStateReady exercises the legacy fixed handshake, which
// has no option phase at all.
func TestOldstyleReachesStateReady(t *testing.T) {
	e, server := newPipeEngine(Config{ExportName: "disk0"})
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		hdr := make([]byte, 16)
		binary.BigEndian.PutUint64(hdr[0:8], wire.NBDMagic)
		binary.BigEndian.PutUint64(hdr[8:16], wire.OldStyleMagic)
		tail := make([]byte, wire.OldStyleHandshakeSize)
		binary.BigEndian.PutUint64(tail[0:8], 1<<20)
		binary.BigEndian.PutUint32(tail[8:12], uint32(wire.FlagHasFlags|wire.FlagSendFlush))
		server.Write(hdr)
		server.Write(tail)
	}()

	out := driveUntil(t, e, func() bool { return e.State == StateReady })
	<-done
	if out.Err != nil {
		t.Fatalf("unexpected engine error: %v", out.Err)
	}
	if e.State != StateReady {
		t.Fatalf("expected StateReady, got %s", e.State)
	}
	if e.Session.ExportSize != 1<<20 {
		t.Fatalf("expected export size 1MiB, got %d", e.Session.ExportSize)
	}
}

// TestOptModePausesAtStateOption checks the other half of the Poll fix:
// with Config.OptMode set, the engine reaches StateOption and stays there,
// pendingOptions empty, until a caller-driven RunOpt* call starts its own
// exchange — it is never silently carried through to StateReady.
func TestOptModePausesAtStateOption(t *testing.T) {
	e, server := newPipeEngine(Config{OptMode: true})
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveNewstyleHandshake(t, server)
	}()
	reachStateOption(t, e)
	<-done

	if len(e.pendingOptions) != 0 {
		t.Fatalf("OptMode must not queue a default sequence, got %v", e.pendingOptions)
	}

	out := e.RunOptGo("disk0")
	go func() {
		readOptionRequest(t, server)
		writeOptionReply(t, server, wire.OptGo, wire.RepAck, nil)
	}()

	final := runOptToCompletion(t, e, out)
	if final.Err != nil {
		t.Fatalf("RunOptGo drive: %v", final.Err)
	}
	if e.State != StateReady {
		t.Fatalf("expected StateReady after caller-driven GO, got %s", e.State)
	}
	if e.Session.ExportName != "disk0" {
		t.Fatalf("expected RunOptGo to set Session.ExportName, got %q", e.Session.ExportName)
	}
}

// TestOptListDeliversEntries exercises RunOptList's multi-reply draining
// (repeated REP_SERVER then a terminal REP_ACK) and confirms the engine
// stays in StateOption afterward, ready for the next caller-driven option.
func TestOptListDeliversEntries(t *testing.T) {
	e, server := newPipeEngine(Config{OptMode: true})
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveNewstyleHandshake(t, server)
	}()
	reachStateOption(t, e)
	<-done

	var entries []ListEntry
	out := e.RunOptList(func(entry ListEntry) { entries = append(entries, entry) })

	go func() {
		option, _ := readOptionRequest(t, server)
		if option != wire.OptList {
			t.Errorf("expected OPT_LIST, got %d", option)
			return
		}
		for _, name := range []string{"disk0", "disk1"} {
			payload := make([]byte, 4+len(name))
			binary.BigEndian.PutUint32(payload[0:4], uint32(len(name)))
			copy(payload[4:], name)
			writeOptionReply(t, server, wire.OptList, wire.RepServer, payload)
		}
		writeOptionReply(t, server, wire.OptList, wire.RepAck, nil)
	}()

	final := runOptToCompletion(t, e, out)
	if final.Err != nil {
		t.Fatalf("RunOptList drive: %v", final.Err)
	}
	if len(entries) != 2 || entries[0].Name != "disk0" || entries[1].Name != "disk1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if e.State != StateOption {
		t.Fatalf("OPT_LIST must leave the engine in StateOption for the next Opt call, got %s", e.State)
	}
}

// TestOptAbortClosesEngine exercises RunOptAbort's transition straight to
// StateClosed.
func TestOptAbortClosesEngine(t *testing.T) {
	e, server := newPipeEngine(Config{OptMode: true})
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveNewstyleHandshake(t, server)
	}()
	reachStateOption(t, e)
	<-done

	out := e.RunOptAbort()
	go func() {
		readOptionRequest(t, server)
		writeOptionReply(t, server, wire.OptAbort, wire.RepAck, nil)
	}()

	final := runOptToCompletion(t, e, out)
	if final.Err != nil {
		t.Fatalf("RunOptAbort drive: %v", final.Err)
	}
	if e.State != StateClosed {
		t.Fatalf("expected StateClosed after OPT_ABORT ACK, got %s", e.State)
	}
}

// TestMalformedOffsetHoleReturnsProtocolError regression-tests the
// length-bounds fix in wire.DecodeOffsetHole surfacing as a protocol error
// instead of the engine panicking on a short payload.
func TestMalformedOffsetHoleReturnsProtocolError(t *testing.T) {
	e, server := newPipeEngine(Config{ExportName: "disk0"})
	defer server.Close()
	e.State = StateReady

	cmd := &queue.Command{
		Cookie: e.Cookies.Next(),
		Type:   wire.CmdRead,
		Offset: 0,
		Count:  4096,
		Buffer: make([]byte, 4096),
	}
	e.ToIssue.PushBack(cmd)

	done := make(chan struct{})
	go func() {
		defer close(done)
		hdr := make([]byte, wire.RequestHeaderSize)
		io.ReadFull(server, hdr)

		reply := make([]byte, wire.StructuredReplyHeaderSize+4) // short: OffsetHoleSize is 12
		binary.BigEndian.PutUint32(reply[0:4], wire.StructuredReplyMagic)
		binary.BigEndian.PutUint16(reply[4:6], wire.ReplyFlagDone)
		binary.BigEndian.PutUint16(reply[6:8], wire.ReplyTypeOffsetHole)
		binary.BigEndian.PutUint64(reply[8:16], cmd.Cookie)
		binary.BigEndian.PutUint32(reply[16:20], 4) // declares a 4-byte payload, too short for OffsetHoleSize
		server.Write(reply)
	}()

	out := driveUntil(t, e, func() bool { return false })
	<-done
	if out.Err == nil {
		t.Fatal("expected a protocol error from a truncated OFFSET_HOLE payload")
	}
	if e.State != StateDead {
		t.Fatalf("expected StateDead, got %s", e.State)
	}
}

// TestOversizedChunkLengthRejectedBeforeAllocation regression-tests the
// staging-cap guard in readPayloadThen: a server-declared chunk Length
// beyond Config.StagingBufferCap must fail as a protocol error rather than
// triggering an unbounded allocation.
func TestOversizedChunkLengthRejectedBeforeAllocation(t *testing.T) {
	e, server := newPipeEngine(Config{ExportName: "disk0", StagingBufferCap: 64})
	defer server.Close()
	e.State = StateReady

	cmd := &queue.Command{
		Cookie: e.Cookies.Next(),
		Type:   wire.CmdBlockStatus,
		Offset: 0,
		Count:  4096,
		Buffer: make([]byte, 4096),
	}
	e.ToIssue.PushBack(cmd)

	done := make(chan struct{})
	go func() {
		defer close(done)
		hdr := make([]byte, wire.RequestHeaderSize)
		io.ReadFull(server, hdr)

		reply := make([]byte, wire.StructuredReplyHeaderSize)
		binary.BigEndian.PutUint32(reply[0:4], wire.StructuredReplyMagic)
		binary.BigEndian.PutUint16(reply[4:6], wire.ReplyFlagDone)
		binary.BigEndian.PutUint16(reply[6:8], wire.ReplyTypeBlockStatus)
		binary.BigEndian.PutUint64(reply[8:16], cmd.Cookie)
		binary.BigEndian.PutUint32(reply[16:20], 1<<20) // far beyond the 64-byte staging cap
		server.Write(reply)
	}()

	out := driveUntil(t, e, func() bool { return false })
	<-done
	if out.Err == nil {
		t.Fatal("expected a protocol error from an oversized BLOCK_STATUS chunk length")
	}
}
