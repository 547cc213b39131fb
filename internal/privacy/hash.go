package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var hex64Pattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// HMACSHA256 is the one hashing primitive used everywhere an identifier must
// become opaque: window ids, resource ids, hashed payload keys, title hashes.
// The salt comes from config; digests are 64 lowercase hex characters.
func HMACSHA256(value, salt string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// IsHex64 reports whether s looks like a sha256 hex digest. Scrubbing passes
// use this to leave hashes alone.
func IsHex64(s string) bool {
	return hex64Pattern.MatchString(s)
}
