package helpers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

func GenerateToken(len int) (string, error) {
	b := make([]byte, len)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

func GenerateCodeChallenge(pkceVerifier string) string {
	h := sha256.New()
	h.Write([]byte(pkceVerifier))
	hash := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(hash)
}

// GenerateState produces a state value with a random prefix so two in-flight
// attempts can never collide even if the entropy source misbehaves.
func GenerateState() (string, error) {
	tok, err := GenerateToken(10)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s.%s", tok, uuid.NewString()), nil
}
