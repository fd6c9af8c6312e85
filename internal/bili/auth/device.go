// Package auth implements the bilibili-manga mobile client's device identity
// and request-signing algorithms: generating a device id, the aurora_eid and
// trace_id headers the mobile API expects, and the app_sign query-signing
// scheme. The bit-twiddling here is exact on purpose — the upstream
// anti-scrape layer validates these formats byte for byte, so nothing here
// may be "simplified" away.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

const auroraKey = "ad1va46a7lza"

// alphanumeric is the charset trace_id and session_id are sampled from:
// ASCII letters plus digits.
const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateAndroidID returns 8 random bytes hex-encoded.
func GenerateAndroidID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating android id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// DeviceID derives the buvid sent as a device-identity header from a freshly
// generated android id: md5 the android id's hex string, then splice
// "XX" + e + m where m is the md5 hex digest and e is m[2]+m[12]+m[22].
// Exact derivation, do not simplify.
func DeviceID() (string, error) {
	androidID, err := GenerateAndroidID()
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(androidID))
	m := hex.EncodeToString(sum[:])
	e := string([]byte{m[2], m[12], m[22]})
	return "XX" + e + m, nil
}

// AuroraEID obfuscates a uid for the x-bili-aurora-eid header: XOR each byte
// of the uid's decimal string representation against the repeating key
// "ad1va46a7lza", then base64-standard-encode (with padding) the result.
// Returns "" for uid == 0.
func AuroraEID(uid int64) string {
	if uid == 0 {
		return ""
	}
	digits := []byte(fmt.Sprintf("%d", uid))
	out := make([]byte, len(digits))
	for i, v := range digits {
		out[i] = v ^ auroraKey[i%len(auroraKey)]
	}
	return base64.StdEncoding.EncodeToString(out)
}

func randomAlphanumeric(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating random id: %w", err)
		}
		out[i] = alphanumeric[idx.Int64()]
	}
	return string(out), nil
}

// TraceID builds the x-bili-trace-id header value for the given Unix
// timestamp (seconds). The signed two's-complement byte extraction below is
// deliberate, not incidental: the server validates this exact format, so it
// is kept as-is even though the signed/unsigned round trip nets out to "the
// low byte of ts at each shift, as hex".
func TraceID(unixSeconds int64) (string, error) {
	randomID, err := randomAlphanumeric(32)
	if err != nil {
		return "", err
	}

	traceID := randomID[0:24]

	var bArr [3]int8
	ts := unixSeconds
	for i := 2; i >= 0; i-- {
		ts >>= 8
		mod := ts % 256
		if (ts/128)%2 == 0 {
			bArr[i] = int8(mod)
		} else {
			bArr[i] = int8(mod - 256)
		}
	}

	for i := 0; i < 3; i++ {
		traceID += fmt.Sprintf("%02x", uint8(bArr[i]))
	}
	traceID += randomID[30:32]

	return traceID + ":" + traceID[16:32] + ":0:0", nil
}

// SessionID returns 8 random lowercase alphanumeric characters.
func SessionID() (string, error) {
	s, err := randomAlphanumeric(8)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out), nil
}
