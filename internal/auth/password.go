package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/channel-lifecycle/internal/apperror"
)

// defaultCost is the bcrypt work factor. Cost 12 is ~250ms on a modern server.
const defaultCost = 12

// Password length limits. bcrypt silently truncates input past 72 bytes,
// so longer passwords are rejected instead.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

// ErrPasswordMismatch is returned by Verify when the password is wrong.
var ErrPasswordMismatch = errors.New("auth: invalid password")

// PasswordService hashes and verifies credential passwords.
// Tests inject a low cost through NewPasswordServiceForTest.
type PasswordService struct {
	cost int
}

func NewPasswordService() *PasswordService {
	return &PasswordService{cost: defaultCost}
}

// NewPasswordServiceForTest lets other packages' tests use bcrypt.MinCost.
// Do NOT use in production.
func NewPasswordServiceForTest(cost int) *PasswordService {
	return &PasswordService{cost: cost}
}

// CheckPolicy returns a ValidationError on field "password" when plaintext
// is outside the allowed length.
func CheckPolicy(plaintext string) error {
	switch {
	case len(plaintext) < MinPasswordLength:
		return apperror.ValidationFailed("password", fmt.Sprintf("must be at least %d characters", MinPasswordLength))
	case len(plaintext) > MaxPasswordLength:
		return apperror.ValidationFailed("password", fmt.Sprintf("must be %d bytes or fewer", MaxPasswordLength))
	}
	return nil
}

// Hash checks the policy and hashes plaintext. The result embeds salt and cost.
func (p *PasswordService) Hash(plaintext string) (string, error) {
	if err := CheckPolicy(plaintext); err != nil {
		return "", err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(hashed), nil
}

// Verify returns nil when plaintext matches hash and ErrPasswordMismatch
// when it doesn't. Comparison is constant-time.
func (p *PasswordService) Verify(hash, plaintext string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return fmt.Errorf("auth: comparing password hash: %w", err)
	}
	return nil
}
