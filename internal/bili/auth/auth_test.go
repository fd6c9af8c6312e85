package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppSignInvariantToMapIterationOrder(t *testing.T) {
	a := AppSign(map[string]string{"ts": "0", "local_id": "0", "auth_code": "abc"})
	b := AppSign(map[string]string{"auth_code": "abc", "local_id": "0", "ts": "0"})

	assert.Equal(t, a["sign"], b["sign"])
	assert.Equal(t, AppKey, a["appkey"])
}

func TestAppSignDoesNotMutateInput(t *testing.T) {
	in := map[string]string{"ts": "0"}
	AppSign(in)
	require.Len(t, in, 1)
	_, hasAppkey := in["appkey"]
	assert.False(t, hasAppkey)
}

func TestAppSignChangesWithDifferentValues(t *testing.T) {
	a := AppSign(map[string]string{"ts": "1"})
	b := AppSign(map[string]string{"ts": "2"})
	assert.NotEqual(t, a["sign"], b["sign"])
}

func TestTraceIDFormat(t *testing.T) {
	id, err := TraceID(1700000000)
	require.NoError(t, err)

	parts := splitN(id, ':', 4)
	require.Len(t, parts, 4)
	assert.Len(t, parts[0], 32)
	assert.Len(t, parts[1], 16)
	assert.Equal(t, parts[0][16:32], parts[1])
	assert.Equal(t, "0", parts[2])
	assert.Equal(t, "0", parts[3])
}

func TestTraceIDIsDeterministicInTimestampBytesOnly(t *testing.T) {
	id1, err := TraceID(1700000000)
	require.NoError(t, err)
	id2, err := TraceID(1700000000)
	require.NoError(t, err)
	// Everything else is random, but the timestamp-derived hex bytes at
	// [24:30] and the trailing ":0:0" are fixed for a fixed timestamp.
	assert.Equal(t, id1[24:30], id2[24:30])
	assert.Equal(t, ":0:0", id1[len(id1)-4:])
}

func TestAuroraEIDZeroUIDIsEmpty(t *testing.T) {
	assert.Equal(t, "", AuroraEID(0))
}

func TestAuroraEIDNonZeroUIDIsStable(t *testing.T) {
	a := AuroraEID(123456789)
	b := AuroraEID(123456789)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}

func TestDeviceIDHasExpectedPrefixAndLength(t *testing.T) {
	id, err := DeviceID()
	require.NoError(t, err)
	assert.True(t, len(id) > 2)
	assert.Equal(t, "XX", id[:2])
}

func TestSessionIDIsLowercaseAlphanumericEightChars(t *testing.T) {
	id, err := SessionID()
	require.NoError(t, err)
	require.Len(t, id, 8)
	for _, c := range id {
		isLowerLetter := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		assert.True(t, isLowerLetter || isDigit)
	}
}

func splitN(s string, sep byte, n int) []string {
	var out []string
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
