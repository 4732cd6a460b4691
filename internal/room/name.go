package room

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// DefaultNameLength is the length of generated room names.
	DefaultNameLength = 24
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidName reports whether name can identify a room.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// NewRoomName returns a random alphanumeric room name of the given length.
func NewRoomName(length int) (string, error) {
	if length <= 0 {
		length = DefaultNameLength
	}
	max := big.NewInt(int64(len(nameAlphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = nameAlphabet[n.Int64()]
	}
	return string(b), nil
}
