package magiclink

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// TTL is how long the client app should accept a token after issue.
const TTL = 5 * time.Minute

// Signer mints single-use handoff tokens that carry a user from the
// admin service into the client application after account linking. The
// client app verifies them with the shared secret.
type Signer struct {
	secret       []byte
	clientAppURL string
	now          func() time.Time
}

func NewSigner(secret, clientAppURL string) *Signer {
	return &Signer{
		secret:       []byte(secret),
		clientAppURL: strings.TrimRight(clientAppURL, "/"),
		now:          time.Now,
	}
}

// Token returns a handoff token in the form {random}.{signature}: 32
// random bytes hex-encoded, then an HMAC-SHA256 over
// "{random}.{auth0_id}.{expiry_unix}".
func (s *Signer) Token(auth0ID string) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("magic link secret not configured")
	}
	if auth0ID == "" {
		return "", fmt.Errorf("auth0 id is required")
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	random := hex.EncodeToString(buf)

	expiry := s.now().Add(TTL).Unix()
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s.%s.%d", random, auth0ID, expiry)
	sig := hex.EncodeToString(mac.Sum(nil))

	return random + "." + sig, nil
}

// Link returns the full client-app URL for a handoff token.
func (s *Signer) Link(auth0ID string) (string, error) {
	token, err := s.Token(auth0ID)
	if err != nil {
		return "", err
	}
	return s.clientAppURL + "/auth/magic?token=" + token, nil
}

// ValidFormat reports whether a token looks like {64 hex}.{64 hex}.
// It does not check the signature; only the client app holds enough
// context to do that.
func ValidFormat(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return false
	}
	return isHex64(parts[0]) && isHex64(parts[1])
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
