package room

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	CodeLength   = 5
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// CodeGenerator returns a candidate join code. Collisions are handled by the
// caller.
type CodeGenerator func() (string, error)

// RandomCode draws CodeLength characters from CodeAlphabet, which leaves out
// the look-alikes 0/O and 1/I.
func RandomCode() (string, error) {
	var sb strings.Builder
	sb.Grow(CodeLength)
	max := big.NewInt(int64(len(CodeAlphabet)))
	for range CodeLength {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(CodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// NormalizeCode maps user input onto the stored form of a join code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
