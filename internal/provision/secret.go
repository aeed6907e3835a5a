package provision

import (
	"crypto/rand"
	"fmt"
)

// SecretLength is the length of generated RADIUS shared secrets.
const SecretLength = 16

const secretAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// GenerateSecret returns a shared secret of SecretLength characters drawn
// uniformly from [0-9a-zA-Z] with crypto/rand.
func GenerateSecret() (string, error) {
	return randomString(SecretLength, secretAlphabet)
}

func randomString(length int, alphabet string) (string, error) {
	n := len(alphabet)
	// Rejection threshold avoids modulo bias: largest multiple of n <= 256.
	maxFair := 256 - (256 % n)
	out := make([]byte, length)
	buf := make([]byte, length+16) // over-read to reduce rand calls
	filled := 0
	for filled < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxFair {
				continue
			}
			out[filled] = alphabet[int(b)%n]
			filled++
			if filled == length {
				break
			}
		}
	}
	return string(out), nil
}
