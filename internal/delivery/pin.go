package delivery

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/argon2"
)

const (
	PinDigits = 5
	saltBytes = 16

	argonTime    = 1
	argonMemory  = 19 * 1024
	argonThreads = 1
	argonKeyLen  = 32
)

var pinSpace = big.NewInt(100000)

// newPin draws a uniform 5-digit code; leading zeros are kept.
func newPin(r io.Reader) (string, error) {
	n, err := rand.Int(r, pinSpace)
	if err != nil {
		return "", fmt.Errorf("draw pin: %w", err)
	}
	return fmt.Sprintf("%0*d", PinDigits, n.Int64()), nil
}

func newSalt(r io.Reader) ([]byte, error) {
	salt := make([]byte, saltBytes)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("draw salt: %w", err)
	}
	return salt, nil
}

func hashPin(pin string, salt []byte) []byte {
	return argon2.IDKey([]byte(pin), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func pinMatches(pin string, salt, want []byte) bool {
	return subtle.ConstantTimeCompare(hashPin(pin, salt), want) == 1
}

func wellFormed(pin string) bool {
	if len(pin) != PinDigits {
		return false
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
