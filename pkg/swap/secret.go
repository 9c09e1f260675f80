package swap

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// HashSecret returns the hash lock committed to by secret.
func HashSecret(secret []byte) common.Hash {
	return common.Hash(sha256.Sum256(secret))
}

// VerifySecret reports whether secret is a 32 byte preimage of hashLock.
func VerifySecret(secret []byte, hashLock common.Hash) bool {
	return len(secret) == 32 && HashSecret(secret) == hashLock
}

func NewSecret() ([]byte, common.Hash, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, HashSecret(secret), nil
}
