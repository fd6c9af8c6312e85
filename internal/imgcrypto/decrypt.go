// Package imgcrypto unwraps the AES-256-CBC container bilibili-manga wraps
// every chapter image in, and sniffs the resulting plaintext's image format.
package imgcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// splitThreshold is the exact byte-length boundary at which decryption
// switches from "decrypt everything and unpad" to "decrypt only the first
// splitThreshold bytes, leave the rest untouched". Do not simplify: this
// matches the server-side wrapper format precisely.
const splitThreshold = 20496

// wrapperKeyLen is the AES-256 key length embedded as the trailing bytes of
// every wrapped payload.
const wrapperKeyLen = 32

// ErrUnsupportedWrapper is returned when the leading flag byte isn't 1, the
// only wrapper version this format defines.
var ErrUnsupportedWrapper = errors.New("unsupported image wrapper version")

// Decrypt accepts one downloaded image's raw bytes exactly as received from
// the CDN. If they already decode as a recognizable image, they are not
// wrapped at all and are returned unchanged. Otherwise they are parsed as
// the proprietary wrapper:
//
//	byte 0            flag, must be 1
//	bytes 1:5          big-endian u32 data_length
//	bytes 5:5+dataLen  content (the encrypted payload)
//	bytes 5+dataLen:   key, exactly 32 bytes for AES-256
//
// cpxParam is the base64-encoded "cpx" query parameter from the image's
// fetch URL; bytes [60:76] of its decoded form are the IV.
func Decrypt(raw []byte, cpxParam string) ([]byte, error) {
	if isRecognizableImage(raw) {
		return raw, nil
	}

	if len(raw) < 5 {
		return nil, fmt.Errorf("content too short to contain a wrapper header")
	}
	if raw[0] != 1 {
		return nil, ErrUnsupportedWrapper
	}
	dataLength := binary.BigEndian.Uint32(raw[1:5])

	// A malformed length means this isn't actually a wrapped payload we can
	// parse, so hand the bytes back unchanged rather than failing the whole
	// image.
	if int(dataLength)+5 > len(raw) {
		return raw, nil
	}

	content := raw[5 : 5+int(dataLength)]
	trailer := raw[5+int(dataLength):]
	if len(trailer) != wrapperKeyLen {
		return nil, fmt.Errorf("wrapper key trailer is %d bytes, want %d", len(trailer), wrapperKeyLen)
	}
	key := trailer

	iv, err := ivFromCpx(cpxParam)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}

	if len(content) < splitThreshold {
		if len(content)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("ciphertext length %d is not a multiple of the AES block size", len(content))
		}
		out := make([]byte, len(content))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, content)
		return pkcs7Unpad(out)
	}

	head := content[:splitThreshold]
	if len(head)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("split-mode ciphertext length %d is not a multiple of the AES block size", len(head))
	}
	decrypted := make([]byte, len(head))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(decrypted, head)
	// No unpadding here: this is a mid-stream boundary, not the end of the
	// plaintext, so any trailing bytes that look like padding are real data.
	tail := content[splitThreshold:]
	out := make([]byte, 0, len(decrypted)+len(tail))
	out = append(out, decrypted...)
	out = append(out, tail...)
	return out, nil
}

func isRecognizableImage(data []byte) bool {
	_, _, err := image.DecodeConfig(bytes.NewReader(data))
	return err == nil
}

func ivFromCpx(cpxParam string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(cpxParam)
	if err != nil {
		return nil, fmt.Errorf("decoding cpx parameter: %w", err)
	}
	if len(decoded) < 76 {
		return nil, fmt.Errorf("cpx parameter too short to contain an IV (got %d bytes)", len(decoded))
	}
	return decoded[60:76], nil
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid PKCS7 padding")
	}
	if !bytes.Equal(data[len(data)-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, fmt.Errorf("invalid PKCS7 padding bytes")
	}
	return data[:len(data)-padLen], nil
}

// GuessImageFormat sniffs the decoded image format, defaulting to "jpg" when
// undetectable.
func GuessImageFormat(data []byte) string {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "jpg"
	}
	switch format {
	case "jpeg":
		return "jpg"
	case "png", "gif":
		return format
	default:
		return "jpg"
	}
}
