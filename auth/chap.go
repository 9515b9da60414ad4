package auth

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// CHAP algorithm identifiers (RFC 1994). MD5 is the only algorithm
// RFC 3720 requires, and the only one we offer.
const chapAlgorithmMD5 = "5"

// chapResponse computes the RFC 1994 response: MD5(id || secret || challenge).
func chapResponse(id byte, secret string, challenge []byte) []byte {
	h := md5.New()
	h.Write([]byte{id})
	h.Write([]byte(secret))
	h.Write(challenge)
	return h.Sum(nil)
}

// newChallenge generates a random CHAP challenge for mutual
// authentication from two version-4 UUIDs (32 random bytes).
func newChallenge() []byte {
	a, b := uuid.New(), uuid.New()
	challenge := make([]byte, 0, 32)
	challenge = append(challenge, a[:]...)
	challenge = append(challenge, b[:]...)
	return challenge
}

// newChallengeID derives a random 1-byte CHAP identifier.
func newChallengeID() byte {
	id := uuid.New()
	return id[0]
}

// encodeBinary renders a binary CHAP value in the hex form RFC 3720
// section 5.1 defines for binary text values.
func encodeBinary(v []byte) string {
	return "0x" + hex.EncodeToString(v)
}

// decodeBinary parses a binary text value in either the hex (0x...) or
// base64 (0b...) encoding.
func decodeBinary(v string) ([]byte, error) {
	switch {
	case strings.HasPrefix(v, "0x"), strings.HasPrefix(v, "0X"):
		raw := v[2:]
		if len(raw)%2 != 0 {
			raw = "0" + raw
		}
		out, err := hex.DecodeString(raw)
		return out, errors.Wrapf(err, "invalid hex value %q", v)
	case strings.HasPrefix(v, "0b"), strings.HasPrefix(v, "0B"):
		out, err := base64.StdEncoding.DecodeString(v[2:])
		return out, errors.Wrapf(err, "invalid base64 value %q", v)
	}
	return nil, errors.Errorf("binary value %q has neither 0x nor 0b prefix", v)
}

// verifyResponse checks a peer's CHAP response against the expected
// digest in constant shape (both are fixed-size MD5 sums).
func verifyResponse(id byte, secret string, challenge, response []byte) bool {
	return bytes.Equal(chapResponse(id, secret, challenge), response)
}
