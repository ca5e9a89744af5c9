package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"

	"murmur/internal/domain"
)

var alphabetSize = big.NewInt(int64(len(domain.HandleAlphabet)))

// GenerateHandle draws a uniformly random handle from the handle alphabet.
// Uniqueness is the registry's job.
func GenerateHandle() (domain.Handle, error) {
	b := make([]byte, domain.HandleLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		b[i] = domain.HandleAlphabet[n.Int64()]
	}
	return domain.Handle(b), nil
}

// RandomToken returns n random bytes encoded as unpadded URL-safe base64.
// It is used for account secrets and session tokens.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
