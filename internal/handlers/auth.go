package handlers

import (
	"fmt"
	"strings"

	"POSTURE_DETECTOR/go-backend/internal/models"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator resolves the owner identity of a connecting channel.
// Failures wrap models.ErrAuth.
type Authenticator interface {
	Authenticate(clientID, token string) (ownerID string, err error)
}

// TokenAuthenticator accepts tokens of the form "owner.secret" and checks
// the secret against the owner's bcrypt hash. With anonymous mode on, an
// empty token gives the channel an owner of its own.
type TokenAuthenticator struct {
	hashes         map[string]string
	allowAnonymous bool
}

func NewTokenAuthenticator(hashes map[string]string, allowAnonymous bool) *TokenAuthenticator {
	if hashes == nil {
		hashes = make(map[string]string)
	}
	return &TokenAuthenticator{hashes: hashes, allowAnonymous: allowAnonymous}
}

func (a *TokenAuthenticator) Authenticate(clientID, token string) (string, error) {
	if token == "" {
		if a.allowAnonymous {
			return "anonymous-" + clientID, nil
		}
		return "", fmt.Errorf("missing token: %w", models.ErrAuth)
	}

	owner, secret, ok := strings.Cut(token, ".")
	if !ok || owner == "" || secret == "" {
		return "", fmt.Errorf("malformed token: %w", models.ErrAuth)
	}
	hash, ok := a.hashes[owner]
	if !ok {
		return "", fmt.Errorf("unknown owner %s: %w", owner, models.ErrAuth)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", fmt.Errorf("owner %s: %w", owner, models.ErrAuth)
	}
	return owner, nil
}

// HashSecret produces the value stored in AUTH_TOKENS for one owner.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
