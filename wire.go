package nbd

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Magic numbers of the negotiation phase.
const (
	// InitMagic is the ASCII string "NBDMAGIC", sent by the server first.
	InitMagic = 0x4e42444d41474943
	// OptionMagic is the ASCII string "IHAVEOPT". It starts the newstyle
	// greeting and every option request.
	OptionMagic = 0x49484156454F5054
	// ReplyMagic starts every option reply.
	ReplyMagic = 0x0003e889045565a9
	// CliservMagic is sent instead of OptionMagic by oldstyle servers.
	CliservMagic = 0x0000420281861253
)

// DefaultPort is the TCP port NBD servers serve named exports on.
const DefaultPort = "10809"

// Handshake flags.
const (
	flagFixedNewstyle = 1 << 0
	flagNoZeroes      = 1 << 1
)

// maxStringLength is the longest export name or description the protocol
// allows.
const maxStringLength = 4 << 10

// OptCommand identifies an option request.
type OptCommand uint32

// Options a client can send during negotiation.
const (
	OptExportName      OptCommand = 1
	OptAbort           OptCommand = 2
	OptList            OptCommand = 3
	OptStartTLS        OptCommand = 5
	OptInfo            OptCommand = 6
	OptGo              OptCommand = 7
	OptStructuredReply OptCommand = 8
	OptListMetaContext OptCommand = 9
	OptSetMetaContext  OptCommand = 10
)

var optNames = map[OptCommand]string{
	OptExportName:      "NBD_OPT_EXPORT_NAME",
	OptAbort:           "NBD_OPT_ABORT",
	OptList:            "NBD_OPT_LIST",
	OptStartTLS:        "NBD_OPT_STARTTLS",
	OptInfo:            "NBD_OPT_INFO",
	OptGo:              "NBD_OPT_GO",
	OptStructuredReply: "NBD_OPT_STRUCTURED_REPLY",
	OptListMetaContext: "NBD_OPT_LIST_META_CONTEXT",
	OptSetMetaContext:  "NBD_OPT_SET_META_CONTEXT",
}

func (c OptCommand) String() string {
	if s, ok := optNames[c]; ok {
		return s
	}
	return fmt.Sprintf("NBD_OPT(%d)", uint32(c))
}

// ReplyType is the result field of an option reply. If the high bit is set,
// the reply is an error.
type ReplyType uint32

// ReplyFlagError marks a ReplyType as an error.
const ReplyFlagError ReplyType = 1 << 31

// Replies a server can send during negotiation.
const (
	RepAck         ReplyType = 1
	RepServer      ReplyType = 2
	RepInfo        ReplyType = 3
	RepMetaContext ReplyType = 4

	RepErrUnsup         = ReplyFlagError | 1
	RepErrPolicy        = ReplyFlagError | 2
	RepErrInvalid       = ReplyFlagError | 3
	RepErrPlatform      = ReplyFlagError | 4
	RepErrTLSReqd       = ReplyFlagError | 5
	RepErrUnknown       = ReplyFlagError | 6
	RepErrShutdown      = ReplyFlagError | 7
	RepErrBlockSizeReqd = ReplyFlagError | 8
	RepErrTooBig        = ReplyFlagError | 9
)

var repNames = map[ReplyType]string{
	RepAck:              "NBD_REP_ACK",
	RepServer:           "NBD_REP_SERVER",
	RepInfo:             "NBD_REP_INFO",
	RepMetaContext:      "NBD_REP_META_CONTEXT",
	RepErrUnsup:         "NBD_REP_ERR_UNSUP",
	RepErrPolicy:        "NBD_REP_ERR_POLICY",
	RepErrInvalid:       "NBD_REP_ERR_INVALID",
	RepErrPlatform:      "NBD_REP_ERR_PLATFORM",
	RepErrTLSReqd:       "NBD_REP_ERR_TLS_REQD",
	RepErrUnknown:       "NBD_REP_ERR_UNKNOWN",
	RepErrShutdown:      "NBD_REP_ERR_SHUTDOWN",
	RepErrBlockSizeReqd: "NBD_REP_ERR_BLOCK_SIZE_REQD",
	RepErrTooBig:        "NBD_REP_ERR_TOO_BIG",
}

// IsError reports whether t has the error flag set.
func (t ReplyType) IsError() bool {
	return t&ReplyFlagError != 0
}

func (t ReplyType) String() string {
	if s, ok := repNames[t]; ok {
		return s
	}
	if t.IsError() {
		return fmt.Sprintf("NBD_REP_ERR(%d)", uint32(t&^ReplyFlagError))
	}
	return fmt.Sprintf("NBD_REP(%d)", uint32(t))
}

// ExportFlags are the per-export transmission flags sent by the server.
type ExportFlags uint16

const (
	FlagHasFlags ExportFlags = 1 << iota
	FlagReadOnly
	FlagSendFlush
	FlagSendFUA
	FlagRotational
	FlagSendTrim
	FlagSendWriteZeroes
	FlagSendDF
	FlagCanMultiConn
)

// Information types requested with NBD_OPT_INFO and NBD_OPT_GO.
const (
	InfoExport      uint16 = 0
	InfoName        uint16 = 1
	InfoDescription uint16 = 2
	InfoBlockSize   uint16 = 3
)

// hostBigEndian is true if the host stores integers in network byte order.
var hostBigEndian = binary.NativeEndian.Uint16([]byte{0x12, 0x34}) == 0x1234

// Htonl converts v from host to network byte order.
func Htonl(v uint32) uint32 {
	return swap32(v, hostBigEndian)
}

// Ntohl converts v from network to host byte order.
func Ntohl(v uint32) uint32 {
	return swap32(v, hostBigEndian)
}

// Htonll converts v from host to network byte order.
func Htonll(v uint64) uint64 {
	return swap64(v, hostBigEndian)
}

// Ntohll converts v from network to host byte order.
func Ntohll(v uint64) uint64 {
	return swap64(v, hostBigEndian)
}

func swap32(v uint32, bigEndian bool) uint32 {
	if bigEndian {
		return v
	}
	return bits.ReverseBytes32(v)
}

// swap64 converts both 32 bit halves independently and recombines them with
// the halves exchanged.
func swap64(v uint64, bigEndian bool) uint64 {
	if bigEndian {
		return v
	}
	lo := swap32(uint32(v), bigEndian)
	hi := swap32(uint32(v>>32), bigEndian)
	return uint64(lo)<<32 | uint64(hi)
}
