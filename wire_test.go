package nbd

import (
	"encoding/binary"
	"math/bits"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteOrderRoundTrip(t *testing.T) {
	roundTrip := func(x uint64) bool {
		return Ntohll(Htonll(x)) == x && Htonll(Htonll(x)) == x
	}
	require.NoError(t, quick.Check(roundTrip, nil))

	for _, x := range []uint64{0, 1, ^uint64(0), OptionMagic, ReplyMagic, 1 << 63} {
		assert.Equal(t, x, Ntohll(Htonll(x)))
		assert.Equal(t, uint32(x), Ntohl(Htonl(uint32(x))))
	}
}

func TestByteOrderBigEndianHost(t *testing.T) {
	identity := func(x uint64) bool {
		return swap64(x, true) == x && swap32(uint32(x), true) == uint32(x)
	}
	require.NoError(t, quick.Check(identity, nil))
}

func TestByteOrderLittleEndianHost(t *testing.T) {
	reverse := func(x uint64) bool {
		return swap64(x, false) == bits.ReverseBytes64(x) && swap64(swap64(x, false), false) == x
	}
	require.NoError(t, quick.Check(reverse, nil))
	assert.Equal(t, uint64(0x0807060504030201), swap64(0x0102030405060708, false))
}

func TestHtonllProducesNetworkOrder(t *testing.T) {
	var got, want [8]byte
	binary.NativeEndian.PutUint64(got[:], Htonll(OptionMagic))
	binary.BigEndian.PutUint64(want[:], OptionMagic)
	assert.Equal(t, want, got)
	assert.Equal(t, "IHAVEOPT", string(got[:]))

	var got32, want32 [4]byte
	binary.NativeEndian.PutUint32(got32[:], Htonl(0x01020304))
	binary.BigEndian.PutUint32(want32[:], 0x01020304)
	assert.Equal(t, want32, got32)
}

func TestReplyType(t *testing.T) {
	assert.False(t, RepAck.IsError())
	assert.False(t, RepServer.IsError())
	assert.True(t, RepErrUnsup.IsError())
	assert.True(t, RepErrTooBig.IsError())
	assert.Equal(t, ReplyType(0x80000001), RepErrUnsup)

	assert.Equal(t, "NBD_REP_ACK", RepAck.String())
	assert.Equal(t, "NBD_REP_ERR_POLICY", RepErrPolicy.String())
	assert.Equal(t, "NBD_REP_ERR(42)", (ReplyFlagError | 42).String())
	assert.Equal(t, "NBD_REP(42)", ReplyType(42).String())
}

func TestOptCommandString(t *testing.T) {
	assert.Equal(t, "NBD_OPT_EXPORT_NAME", OptExportName.String())
	assert.Equal(t, "NBD_OPT_LIST", OptList.String())
	assert.Equal(t, "NBD_OPT(4)", OptCommand(4).String())
}
