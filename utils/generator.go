package utils

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Capital letters and digits, without the easily confused 0, O, 1 and I.
const referenceCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const referenceLength = 8

// NewReference returns an 8-character receipt code shown to patients for a
// payment. It is for humans only; payments are keyed by their uuid.
func NewReference() string {
	ref, err := randomString(referenceLength)
	if err != nil {
		// fall back to the uuid's leading hex, still 8 characters
		return strings.ToUpper(uuid.NewString()[:referenceLength])
	}
	return ref
}

func randomString(length int) (string, error) {
	out := make([]byte, length)
	n := big.NewInt(int64(len(referenceCharset)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		out[i] = referenceCharset[idx.Int64()]
	}
	return string(out), nil
}

// ValidReference reports whether s looks like a code from NewReference.
func ValidReference(s string) bool {
	if len(s) != referenceLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(referenceCharset, s[i]) < 0 {
			return false
		}
	}
	return true
}
