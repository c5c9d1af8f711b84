package wire

import (
	"encoding/binary"
	"fmt"
)

// This file holds pure encode/decode helpers operating on byte slices rather
// than io.Reader/io.Writer: every function is non-blocking by construction,
// never performing I/O itself, only (de)serializing bytes the caller already
// has in hand. The state machine is responsible for knowing how many bytes a
// frame needs before calling the matching Decode function.

// OptionRequest is a client -> server option negotiation frame header.
// Wire layout: [OptMagic 8B] [Option 4B] [Length 4B] [Payload Length B]
type OptionRequest struct {
	Option uint32
	Length uint32
}

// PutOptionRequestHeader encodes an option request header into buf, which
// must be at least OptionRequestHeaderSize bytes.
func PutOptionRequestHeader(buf []byte, option, length uint32) {
	binary.BigEndian.PutUint64(buf[0:8], OptMagic)
	binary.BigEndian.PutUint32(buf[8:12], option)
	binary.BigEndian.PutUint32(buf[12:16], length)
}

// OptionReplyHeader is a server -> client option reply header.
// Wire layout: [RepMagic 8B] [Option 4B] [Reply 4B] [Length 4B] [Payload Length B]
type OptionReplyHeader struct {
	Option uint32
	Reply  uint32
	Length uint32
}

// DecodeOptionReplyHeader parses OptionReplyHeaderSize bytes of buf.
func DecodeOptionReplyHeader(buf []byte) (OptionReplyHeader, error) {
	magic := binary.BigEndian.Uint64(buf[0:8])
	if magic != RepMagic {
		return OptionReplyHeader{}, ErrInvalidMagic
	}
	return OptionReplyHeader{
		Option: binary.BigEndian.Uint32(buf[8:12]),
		Reply:  binary.BigEndian.Uint32(buf[12:16]),
		Length: binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// RequestHeader is a transmission-phase client -> server request.
type RequestHeader struct {
	Flags  uint16
	Type   uint16
	Cookie uint64
	Offset uint64
	Count  uint32
}

// PutRequestHeader encodes a RequestHeaderSize-byte request header into buf.
func PutRequestHeader(buf []byte, h RequestHeader) {
	binary.BigEndian.PutUint32(buf[0:4], RequestMagic)
	binary.BigEndian.PutUint16(buf[4:6], h.Flags)
	binary.BigEndian.PutUint16(buf[6:8], h.Type)
	binary.BigEndian.PutUint64(buf[8:16], h.Cookie)
	binary.BigEndian.PutUint64(buf[16:24], h.Offset)
	binary.BigEndian.PutUint32(buf[24:28], h.Count)
}

// ReplyMagicOf peeks the 4-byte magic that discriminates simple vs structured
// replies without committing to either decode path. buf must hold at least 4
// bytes.
func ReplyMagicOf(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf[0:4])
}

// SimpleReply is a transmission-phase simple reply header (followed by
// Count bytes of read payload on success, for NBD_CMD_READ).
type SimpleReply struct {
	Error  uint32
	Cookie uint64
}

// DecodeSimpleReply parses SimpleReplyHeaderSize bytes of buf. The magic
// field has already been checked by the caller via ReplyMagicOf.
func DecodeSimpleReply(buf []byte) SimpleReply {
	return SimpleReply{
		Error:  binary.BigEndian.Uint32(buf[4:8]),
		Cookie: binary.BigEndian.Uint64(buf[8:16]),
	}
}

// StructuredReplyHeader is a transmission-phase structured reply chunk
// header (followed by Length bytes of type-specific payload).
type StructuredReplyHeader struct {
	Flags  uint16
	Type   uint16
	Cookie uint64
	Length uint32
}

// DecodeStructuredReplyHeader parses StructuredReplyHeaderSize bytes of buf.
func DecodeStructuredReplyHeader(buf []byte) StructuredReplyHeader {
	return StructuredReplyHeader{
		Flags:  binary.BigEndian.Uint16(buf[4:6]),
		Type:   binary.BigEndian.Uint16(buf[6:8]),
		Cookie: binary.BigEndian.Uint64(buf[8:16]),
		Length: binary.BigEndian.Uint32(buf[16:20]),
	}
}

// OffsetDataHeader is the 8-byte offset preceding an OFFSET_DATA chunk's
// payload.
func DecodeOffsetDataHeader(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf[0:8])
}

// OffsetHole is the fixed-size payload of an OFFSET_HOLE chunk.
type OffsetHole struct {
	Offset uint64
	Length uint32
}

// OffsetHoleSize is the fixed wire size of an OFFSET_HOLE chunk payload.
const OffsetHoleSize = 8 + 4

// DecodeOffsetHole parses an OFFSET_HOLE chunk payload. buf shorter than
// OffsetHoleSize means the server declared a chunk Length too small to hold
// its own fixed fields, a protocol violation rather than a panic.
func DecodeOffsetHole(buf []byte) (OffsetHole, error) {
	if len(buf) < OffsetHoleSize {
		return OffsetHole{}, fmt.Errorf("wire: OFFSET_HOLE payload too short: %d bytes", len(buf))
	}
	return OffsetHole{
		Offset: binary.BigEndian.Uint64(buf[0:8]),
		Length: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// BlockStatusHeader precedes a run of (length, status) extent pairs in a
// BLOCK_STATUS chunk.
func DecodeBlockStatusContextID(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf[0:4])
}

// Extent is one (length, status) pair reported by BLOCK_STATUS.
type Extent struct {
	Length uint32
	Status uint32
}

// DecodeExtents parses a run of 8-byte (length, status) pairs from buf.
func DecodeExtents(buf []byte) []Extent {
	n := len(buf) / 8
	out := make([]Extent, n)
	for i := 0; i < n; i++ {
		out[i] = Extent{
			Length: binary.BigEndian.Uint32(buf[i*8 : i*8+4]),
			Status: binary.BigEndian.Uint32(buf[i*8+4 : i*8+8]),
		}
	}
	return out
}

// ReplyError is the payload of an ERROR / ERROR_OFFSET chunk, and also the
// shape used for an OPT reply's error message.
type ReplyError struct {
	Code      uint32
	Message   string
	HasOffset bool
	Offset    uint64
}

// DecodeReplyError parses an ERROR or ERROR_OFFSET chunk payload. withOffset
// selects whether an 8-byte offset trails the message (ReplyTypeErrorOffset).
// Every length here is server-supplied, so each field is bounds-checked
// against the actual buffer before it is sliced: a malformed msgLen or a
// buffer truncated relative to the chunk's own declared Length must surface
// as an error, never a slice-bounds panic.
func DecodeReplyError(buf []byte, withOffset bool) (ReplyError, error) {
	if len(buf) < 6 {
		return ReplyError{}, fmt.Errorf("wire: error chunk payload too short: %d bytes", len(buf))
	}
	code := binary.BigEndian.Uint32(buf[0:4])
	msgLen := binary.BigEndian.Uint16(buf[4:6])
	end := 6 + int(msgLen)
	if end > len(buf) {
		return ReplyError{}, fmt.Errorf("wire: error chunk message length %d exceeds payload of %d bytes", msgLen, len(buf))
	}
	msg := string(buf[6:end])
	re := ReplyError{Code: code, Message: msg}
	if withOffset {
		if end+8 > len(buf) {
			return ReplyError{}, fmt.Errorf("wire: error chunk missing trailing offset")
		}
		re.HasOffset = true
		re.Offset = binary.BigEndian.Uint64(buf[end : end+8])
	}
	return re, nil
}

// PutExportNameRequestPayload encodes an OPT_EXPORT_NAME / OPT_INFO / OPT_GO name-bearing
// request payload: [NameLen 4B][Name][NumInfo 2B][Info 2B]*.
func PutExportNameRequestPayload(name string, infoRequests []uint16) []byte {
	buf := make([]byte, 4+len(name)+2+2*len(infoRequests))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(name)))
	copy(buf[4:4+len(name)], name)
	off := 4 + len(name)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(infoRequests)))
	off += 2
	for _, info := range infoRequests {
		binary.BigEndian.PutUint16(buf[off:off+2], info)
		off += 2
	}
	return buf
}

// PutMetaContextRequestPayload encodes an OPT_SET_META_CONTEXT /
// OPT_LIST_META_CONTEXT request payload:
// [ExportNameLen 4B][ExportName][NumQueries 4B]([QueryLen 4B][Query])*.
func PutMetaContextRequestPayload(exportName string, queries []string) []byte {
	size := 4 + len(exportName) + 4
	for _, q := range queries {
		size += 4 + len(q)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(exportName)))
	copy(buf[4:4+len(exportName)], exportName)
	off := 4 + len(exportName)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(queries)))
	off += 4
	for _, q := range queries {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(q)))
		off += 4
		copy(buf[off:off+len(q)], q)
		off += len(q)
	}
	return buf
}

// DecodeMetaContextReply parses a REP_META_CONTEXT payload:
// [ContextID 4B][Name Length-4 B]. A payload shorter than 4 bytes is a
// protocol violation rather than a panic; it decodes as context id 0 and an
// empty name, which the option-reply handlers record as-is.
func DecodeMetaContextReply(buf []byte) (id uint32, name string) {
	if len(buf) < 4 {
		return 0, ""
	}
	id = binary.BigEndian.Uint32(buf[0:4])
	name = string(buf[4:])
	return id, name
}

// OldStyleHandshake is the tail of an oldstyle handshake that follows the two
// magics: size(8) + eflags(4) + 124 reserved zero bytes.
type OldStyleHandshake struct {
	Size  uint64
	Flags uint16
}

func DecodeOldStyleHandshake(buf []byte) OldStyleHandshake {
	return OldStyleHandshake{
		Size:  binary.BigEndian.Uint64(buf[0:8]),
		Flags: uint16(binary.BigEndian.Uint32(buf[8:12])),
	}
}

// ExportNameReply is the fixed-format legacy reply to OPT_EXPORT_NAME.
type ExportNameReply struct {
	Size  uint64
	Flags uint16
}

func DecodeExportNameReply(buf []byte) ExportNameReply {
	return ExportNameReply{
		Size:  binary.BigEndian.Uint64(buf[0:8]),
		Flags: binary.BigEndian.Uint16(buf[8:10]),
	}
}

// ExportNameReplySize is the minimal size of an EXPORT_NAME reply (size +
// flags); servers that don't negotiate NOZEROES pad with 124 reserved bytes.
const ExportNameReplySize = 8 + 2

// InfoExportPayload is the payload of a REP_INFO(NBD_INFO_EXPORT) reply.
type InfoExportPayload struct {
	Size  uint64
	Flags uint16
}

func DecodeInfoExportPayload(buf []byte) InfoExportPayload {
	return InfoExportPayload{
		Size:  binary.BigEndian.Uint64(buf[2:10]),
		Flags: binary.BigEndian.Uint16(buf[10:12]),
	}
}

// InfoBlockSizePayload is the payload of a REP_INFO(NBD_INFO_BLOCK_SIZE) reply.
type InfoBlockSizePayload struct {
	Min       uint32
	Preferred uint32
	Max       uint32
}

func DecodeInfoBlockSizePayload(buf []byte) InfoBlockSizePayload {
	return InfoBlockSizePayload{
		Min:       binary.BigEndian.Uint32(buf[2:6]),
		Preferred: binary.BigEndian.Uint32(buf[6:10]),
		Max:       binary.BigEndian.Uint32(buf[10:14]),
	}
}
