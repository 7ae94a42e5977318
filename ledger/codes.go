package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// CodeHasher turns a plaintext code into its lookup hash. Codes are never
// looked up or stored in plaintext.
type CodeHasher interface {
	Hash(code string) string
}

// HMACCodeHasher hashes codes with HMAC-SHA256 under a secret.
type HMACCodeHasher struct {
	Secret []byte
}

func (h HMACCodeHasher) Hash(code string) string {
	mac := hmac.New(sha256.New, h.Secret)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}
