package message

import (
	"strings"

	"github.com/google/uuid"
)

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Identifier lengths used for request correlation and endpoint identity.
const (
	RequestIDLength = 12
	SenderIDLength  = 16
)

// NewID returns a random alphanumeric identifier of exactly n characters.
func NewID(n int) string {
	var sb strings.Builder
	sb.Grow(n)
	for sb.Len() < n {
		// uuid.New draws from crypto/rand; bytes 6 and 8 carry version and variant bits
		b := uuid.New()
		for i, c := range b {
			if i == 6 || i == 8 {
				continue
			}
			sb.WriteByte(idAlphabet[int(c)%len(idAlphabet)])
			if sb.Len() == n {
				break
			}
		}
	}
	return sb.String()
}
