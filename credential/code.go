package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Crockford base32: no I, L, O or U, so codes survive being read aloud or
// retyped from a phone screen.
const (
	humanAlphabet   = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	humanCodeLength = 6
	apiKeyBytes     = 32
	apiKeyPrefix    = "omk_"
)

func newHumanCode(r io.Reader) (string, error) {
	buf := make([]byte, humanCodeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("credential: read entropy: %w", err)
	}
	out := make([]byte, humanCodeLength)
	for i, b := range buf {
		out[i] = humanAlphabet[b&31]
	}
	return string(out), nil
}

func newAPIKey(r io.Reader) (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("credential: read entropy: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// NormalizeCode folds user input onto the canonical alphabet.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ':
			return -1
		case 'O':
			return '0'
		case 'I', 'L':
			return '1'
		}
		return r
	}, code)
}

// digest is how api_key tokens are stored and looked up.
func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

var defaultRandom io.Reader = rand.Reader
