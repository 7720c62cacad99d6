// Package rotating implements the per-student time-windowed one-time code.
//
// Codes are standard TOTP: 30 second window, six digits, one step of skew
// accepted on each side so a code scanned just after the window rolls still
// verifies.
package rotating

import (
	"context"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"clubcheck/internal/roster"
)

// SeedStore persists lazily provisioned seeds. ProvisionOTPSecret must be
// first-write-wins and return the winning secret.
type SeedStore interface {
	ProvisionOTPSecret(ctx context.Context, userID int64, secret string) (string, error)
}

// Engine generates and verifies rotating codes.
type Engine struct {
	Period uint // window length in seconds
	Skew   uint // adjacent windows accepted on each side
	Issuer string
}

// NewEngine returns an engine with the standard 30s window and one-step skew.
func NewEngine(issuer string) *Engine {
	if issuer == "" {
		issuer = "clubcheck"
	}
	return &Engine{Period: 30, Skew: 1, Issuer: issuer}
}

func (e *Engine) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    e.Period,
		Skew:      e.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// GetOrCreateSeed returns the user's seed, generating and persisting a fresh
// one on first request. Safe under concurrent first requests: the store keeps
// whichever secret lands first and every caller gets that one back.
func (e *Engine) GetOrCreateSeed(ctx context.Context, store SeedStore, user *roster.User) (string, error) {
	if user.OTPSecret != nil && *user.OTPSecret != "" {
		return *user.OTPSecret, nil
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.Issuer,
		AccountName: user.Username,
		Period:      e.Period,
	})
	if err != nil {
		return "", err
	}
	return store.ProvisionOTPSecret(ctx, user.ID, key.Secret())
}

// Code returns the code for the window containing t and the window length in
// seconds.
func (e *Engine) Code(secret string, t time.Time) (string, int, error) {
	code, err := totp.GenerateCodeCustom(secret, t, e.opts())
	if err != nil {
		return "", 0, err
	}
	return code, int(e.Period), nil
}

// Verify reports whether code matches secret at time t, allowing one window
// of skew either side. An empty secret never verifies.
func (e *Engine) Verify(secret, code string, t time.Time) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, t, e.opts())
	return err == nil && ok
}
