package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// ShortDigestLen is how much of a digest is shown in headers and logs.
const ShortDigestLen = 12

// HashEqual compares two hex digests in constant time.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex returns the lowercase hex SHA-256 of data. Policy documents are
// addressed by this value.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// IsSHA256Hex reports whether s is a 64 character lowercase hex digest.
func IsSHA256Hex(s string) bool {
	if len(s) != 2*sha256.Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ShortDigest truncates a digest to ShortDigestLen characters.
func ShortDigest(d string) string {
	if len(d) > ShortDigestLen {
		return d[:ShortDigestLen]
	}
	return d
}
