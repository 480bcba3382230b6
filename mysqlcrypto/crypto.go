// Package mysqlcrypto implements the small set of byte-level primitives the
// MySQL native-password handshake needs: SHA1 chaining, XOR, hex<->binary
// conversion of the stored-password format, and generation of a printable,
// null-byte-free challenge scramble.
package mysqlcrypto

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
)

// ScrambleLength is the number of bytes in a protocol-v10 auth challenge.
const ScrambleLength = 20

// ErrMalformedHex is returned by HexToBin for an odd-length string or one
// containing a non-hex digit.
var ErrMalformedHex = errors.New("mysqlcrypto: malformed hex string")

// SHA1 returns the SHA1 digest of data.
func SHA1(data []byte) []byte {
	h := sha1.New()
	h.Write(data)
	return h.Sum(nil)
}

// SHA1Twice returns SHA1(SHA1(data)).
func SHA1Twice(data []byte) []byte {
	return SHA1(SHA1(data))
}

// XOR returns a XOR b, truncated to the shorter of the two inputs.
func XOR(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// NativePasswordToken computes the mysql_native_password auth-response token
// a client sends back for a given plaintext password and server scramble:
//
//	stage1 = SHA1(password)
//	stage2 = SHA1(stage1)
//	stage3 = SHA1(scramble + stage2)
//	token  = stage1 XOR stage3
func NativePasswordToken(password, scramble []byte) []byte {
	stage1 := SHA1(password)
	stage2 := SHA1(stage1)
	stage3 := SHA1(append(append([]byte{}, scramble...), stage2...))
	return XOR(stage1, stage3)
}

// VerifyNativePassword reports whether the client-supplied token is the
// correct native-password response for storedStage2 (SHA1(SHA1(password)),
// the form user stores keep on disk) given the scramble that was sent in the
// handshake.
//
//	candidate_stage1 = token XOR SHA1(scramble + storedStage2)
//	accept iff SHA1(candidate_stage1) == storedStage2
//
// An empty token is how a client presents an empty password; it is
// accepted only when storedStage2 is SHA1(SHA1("")).
func VerifyNativePassword(storedStage2, scramble, token []byte) bool {
	if len(token) == 0 {
		return constantTimeEqual(storedStage2, SHA1Twice(nil))
	}
	if len(token) != ScrambleLength || len(storedStage2) != ScrambleLength {
		return false
	}
	stage3 := SHA1(append(append([]byte{}, scramble...), storedStage2...))
	candidateStage1 := XOR(token, stage3)
	return constantTimeEqual(SHA1(candidateStage1), storedStage2)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// BinToHex renders data as uppercase hex, two digits per byte — the form
// MySQL's "*40HEXDIGITS" stored-password format wraps with a leading '*'.
func BinToHex(data []byte) string {
	return fmt.Sprintf("%X", data)
}

// HexToBin parses a hex string back into raw bytes. It fails with
// ErrMalformedHex if s has an odd length or contains a non-hex digit.
func HexToBin(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, ErrMalformedHex
	}
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrMalformedHex
	}
	return out, nil
}

// GenerateScramble returns a cryptographically random ScrambleLength-byte
// challenge suitable for the protocol-v10 greeting, with every byte forced
// into the printable ASCII range and never zero — the MySQL wire protocol
// null-terminates the scramble fields, so an embedded 0x00 would truncate
// the challenge the client sees.
func GenerateScramble() ([]byte, error) {
	buf := make([]byte, ScrambleLength)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	for i, b := range buf {
		// Map into printable ASCII [0x21, 0x7E], which excludes 0 —
		// matches the handshake packet's null-terminated
		// auth-plugin-data convention.
		buf[i] = 0x21 + b%94
	}
	return buf, nil
}
