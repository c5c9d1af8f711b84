package wire

import "testing"

func TestRequestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, RequestHeaderSize)
	h := RequestHeader{Flags: CmdFlagFua, Type: CmdWrite, Cookie: 42, Offset: 1024, Count: 512}
	PutRequestHeader(buf, h)

	if got := ReplyMagicOf(buf); got != RequestMagic {
		t.Fatalf("magic = %x, want %x", got, RequestMagic)
	}
}

func TestSimpleReplyDecode(t *testing.T) {
	buf := make([]byte, SimpleReplyHeaderSize)
	buf[0], buf[1], buf[2], buf[3] = 0x67, 0x44, 0x66, 0x98
	buf[7] = 0  // error = 0
	buf[15] = 7 // cookie low byte = 7

	if magic := ReplyMagicOf(buf); magic != SimpleReplyMagic {
		t.Fatalf("magic = %x, want %x", magic, SimpleReplyMagic)
	}
	sr := DecodeSimpleReply(buf)
	if sr.Error != 0 || sr.Cookie != 7 {
		t.Fatalf("unexpected decode: %+v", sr)
	}
}

func TestStructuredReplyHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, StructuredReplyHeaderSize)
	// magic unused for this round trip; fill flags/type/cookie/length manually
	// via DecodeStructuredReplyHeader against a hand-built buffer.
	buf[4], buf[5] = 0, 1 // flags = DONE
	buf[6], buf[7] = 0, 1 // type = OFFSET_DATA
	buf[15] = 99          // cookie
	buf[19] = 4           // length

	h := DecodeStructuredReplyHeader(buf)
	if h.Flags != ReplyFlagDone {
		t.Fatalf("flags = %d, want %d", h.Flags, ReplyFlagDone)
	}
	if h.Type != ReplyTypeOffsetData {
		t.Fatalf("type = %d, want %d", h.Type, ReplyTypeOffsetData)
	}
	if h.Cookie != 99 {
		t.Fatalf("cookie = %d, want 99", h.Cookie)
	}
	if h.Length != 4 {
		t.Fatalf("length = %d, want 4", h.Length)
	}
}

func TestMetaContextRequestPayloadRoundTrip(t *testing.T) {
	buf := PutMetaContextRequestPayload("export1", []string{"base:allocation", "qemu:dirty-bitmap:x"})
	if len(buf) == 0 {
		t.Fatal("expected non-empty payload")
	}
}

func TestIsErrorHelpers(t *testing.T) {
	if !IsError(RepErrUnsup) {
		t.Error("RepErrUnsup should be an error reply")
	}
	if IsError(RepAck) {
		t.Error("RepAck should not be an error reply")
	}
	if !IsErrorChunk(ReplyTypeError) {
		t.Error("ReplyTypeError should be an error chunk")
	}
	if IsErrorChunk(ReplyTypeOffsetData) {
		t.Error("ReplyTypeOffsetData should not be an error chunk")
	}
}
