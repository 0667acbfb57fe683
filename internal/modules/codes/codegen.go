package codes

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Alphabet omits 0/O/1/I/L so codes survive being read over the phone.
const (
	Alphabet   = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	CodeLength = 8
)

// generateOne draws a single random code from the alphabet.
func generateOne(length int) (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		buf[i] = Alphabet[n.Int64()]
	}
	return string(buf), nil
}

// generateCandidates draws count distinct codes plus headroom, so that after
// filtering out collisions with existing rows the caller usually still has
// enough in a single pass.
func generateCandidates(count, length int) ([]string, error) {
	headroom := count/10 + 5
	seen := make(map[string]struct{}, count+headroom)
	out := make([]string, 0, count+headroom)
	for len(out) < count+headroom {
		c, err := generateOne(length)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}
