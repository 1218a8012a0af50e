package internal

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256sum computes a cryptographic hash. Used to derive the secret webhook
// path from the bot token so the token itself never shows up in access logs.
func SHA256sum(text string) string {
	hash := sha256.New()
	hash.Write([]byte(text))
	return hex.EncodeToString(hash.Sum(nil))
}
