package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// codeTTL is how long a verification code stays valid.
const codeTTL = 10 * time.Minute

// generateVerificationCode returns a 6-digit code in [100000, 999999],
// so the string form never loses a leading zero.
func generateVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}

// codeExpiry returns the expiry instant for a code generated at now.
func codeExpiry(now time.Time) time.Time {
	return now.Add(codeTTL)
}
