package service

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/sakif/channel-lifecycle/internal/model"
)

const (
	codeAlphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
	emailCodeLength = 25
	shortCodeLength = 4
)

// generateConfirmationCode returns a random code sized for the path type.
// E-mail codes travel in links and are long; SMS users type theirs in, so
// every other type gets a short numeric code.
func generateConfirmationCode(t model.PathType) (string, error) {
	if t.Effective() == model.PathEmail {
		return randomString(codeAlphabet, emailCodeLength)
	}
	return randomString("0123456789", shortCodeLength)
}

func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating code: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

// newDedupeKey identifies one accepted operation's notification. The
// dispatcher reuses it on every retry of that send.
func newDedupeKey() string {
	return uuid.NewString()
}

// codesEqual compares confirmation codes in constant time.
// An empty stored code never matches.
func codesEqual(stored, given string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}
