// Package wire defines the on-the-wire constants and frame layouts of the
// NBD protocol: oldstyle and fixed-newstyle handshakes, option request/reply
// frames, and simple/structured transmission-phase frames. Everything here
// is a pure description of bytes; no I/O happens in this package.
package wire

// Handshake magics (first 8 bytes of every connection).
const (
	NBDMagic      uint64 = 0x4e42444d41474943 // "NBDMAGIC"
	OldStyleMagic uint64 = 0x00420281861253   // old-version magic, used by oldstyle only
	OptMagic      uint64 = 0x49484156454F5054 // "IHAVEOPT", new-version magic
	RepMagic      uint64 = 0x0003e889045565a9 // server option-reply magic
)

// Global/client handshake flags (newstyle).
const (
	FlagFixedNewstyle uint16 = 1 << 0
	FlagNoZeroes      uint16 = 1 << 1
)

const (
	ClientFlagFixedNewstyle uint32 = 1 << 0
	ClientFlagNoZeroes      uint32 = 1 << 1
)

// Export flags (eflags), reported during OLDSTYLE, EXPORT_NAME, and GO.
const (
	FlagHasFlags           uint16 = 1 << 0
	FlagReadOnly           uint16 = 1 << 1
	FlagSendFlush          uint16 = 1 << 2
	FlagSendFua            uint16 = 1 << 3
	FlagRotational         uint16 = 1 << 4
	FlagSendTrim           uint16 = 1 << 5
	FlagSendWriteZeroes    uint16 = 1 << 6
	FlagSendDF             uint16 = 1 << 7
	FlagCanMultiConn       uint16 = 1 << 8
	FlagSendResize         uint16 = 1 << 9
	FlagSendCache          uint16 = 1 << 10
	FlagSendFastZero       uint16 = 1 << 11
	FlagBlockStatusPayload uint16 = 1 << 12
)

// Option codes (client → server).
const (
	OptExportName      uint32 = 1
	OptAbort           uint32 = 2
	OptList            uint32 = 3
	OptStartTLS        uint32 = 5
	OptInfo            uint32 = 6
	OptGo              uint32 = 7
	OptStructuredReply uint32 = 8
	OptListMetaContext uint32 = 9
	OptSetMetaContext  uint32 = 10
)

// Option reply types (server → client). High bit set means error.
const (
	RepAck              uint32 = 1
	RepServer           uint32 = 2
	RepInfo             uint32 = 3
	RepMetaContext      uint32 = 4
	repErrBase          uint32 = 1 << 31
	RepErrUnsup         uint32 = repErrBase | 1
	RepErrPolicy        uint32 = repErrBase | 2
	RepErrInvalid       uint32 = repErrBase | 3
	RepErrPlatform      uint32 = repErrBase | 4
	RepErrTLSReqd       uint32 = repErrBase | 5
	RepErrUnknown       uint32 = repErrBase | 6
	RepErrShutdown      uint32 = repErrBase | 7
	RepErrBlockSizeReqd uint32 = repErrBase | 8
	RepErrTooBig        uint32 = repErrBase | 9
)

// IsError reports whether a reply type is an error reply.
func IsError(replyType uint32) bool {
	return replyType&repErrBase != 0
}

// NBD_INFO_* sub-types used by OPT_INFO / OPT_GO requests and REP_INFO replies.
const (
	InfoExport      uint16 = 0
	InfoName        uint16 = 1
	InfoDescription uint16 = 2
	InfoBlockSize   uint16 = 3
)

// Transmission-phase magics.
const (
	RequestMagic         uint32 = 0x25609513
	SimpleReplyMagic     uint32 = 0x67446698
	StructuredReplyMagic uint32 = 0x668e33ef
)

// Command request flags (client → server, in the request header).
const (
	CmdFlagFua      uint16 = 1 << 0
	CmdFlagNoHole   uint16 = 1 << 1
	CmdFlagDF       uint16 = 1 << 2
	CmdFlagReqOne   uint16 = 1 << 3
	CmdFlagFastZero uint16 = 1 << 4
)

// Command type codes.
const (
	CmdRead        uint16 = 0
	CmdWrite       uint16 = 1
	CmdDisc        uint16 = 2
	CmdFlush       uint16 = 3
	CmdTrim        uint16 = 4
	CmdCache       uint16 = 5
	CmdWriteZeroes uint16 = 6
	CmdBlockStatus uint16 = 7
)

// Structured reply flags.
const (
	ReplyFlagDone uint16 = 1 << 0
)

// Structured reply chunk types.
const (
	ReplyTypeNone        uint16 = 0
	ReplyTypeOffsetData  uint16 = 1
	ReplyTypeOffsetHole  uint16 = 2
	ReplyTypeBlockStatus uint16 = 5
	replyTypeErrBase     uint16 = 1 << 15
	ReplyTypeError       uint16 = replyTypeErrBase | 1
	ReplyTypeErrorOffset uint16 = replyTypeErrBase | 2
)

// IsErrorChunk reports whether a structured reply chunk type is an error chunk.
func IsErrorChunk(t uint16) bool {
	return t&replyTypeErrBase != 0
}

// Block status extent flags (base:allocation context).
const (
	StateHole uint32 = 1 << 0
	StateZero uint32 = 1 << 1
)

// RequestHeaderSize is the on-wire size of a transmission-phase request header.
const RequestHeaderSize = 4 + 2 + 2 + 8 + 8 + 4 // magic,flags,type,cookie,offset,count

// SimpleReplyHeaderSize is the on-wire size of a simple reply header.
const SimpleReplyHeaderSize = 4 + 4 + 8 // magic,error,cookie

// StructuredReplyHeaderSize is the on-wire size of a structured reply header.
const StructuredReplyHeaderSize = 4 + 2 + 2 + 8 + 4 // magic,flags,type,cookie,length

// OldStyleHandshakeSize is the size of everything that follows the two
// magics in an oldstyle handshake: size(8) + eflags(4) + reserved(124).
const OldStyleHandshakeSize = 8 + 4 + 124

// OptionRequestHeaderSize is the size of an option request header (client->server).
const OptionRequestHeaderSize = 8 + 4 + 4 // magic, option, length

// OptionReplyHeaderSize is the size of an option reply header (server->client).
const OptionReplyHeaderSize = 8 + 4 + 4 + 4 // magic, option, reply, length
