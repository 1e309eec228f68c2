// Package rtc issues time-limited credentials for the external RTC provider.
// The server never touches audio itself; publish rights are whatever the
// signed credential says they are.
package rtc

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/airlift/spaces/internal/domain"
)

// Role scopes a credential to publish or receive-only rights.
type Role string

const (
	RoleSpeaker  Role = "speaker"
	RoleListener Role = "listener"
)

// Credential is a signed grant for one (channel, session, role) tuple.
type Credential struct {
	Token     string    `json:"credential"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Issuer struct {
	appID     string
	appSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

func NewIssuer(appID, appSecret string, ttl time.Duration) *Issuer {
	return &Issuer{
		appID:     appID,
		appSecret: []byte(appSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Ready reports whether provider credentials are configured. Missing
// credentials surface as a 503, never a crash.
func (i *Issuer) Ready() error {
	if i.appID == "" || len(i.appSecret) == 0 {
		return domain.ErrNotConfigured
	}
	return nil
}

// Issue signs a credential for sessionID in channel with the given role.
// Deterministic for fixed inputs and clock; TTL is fixed at construction.
func (i *Issuer) Issue(channel string, sessionID int64, role Role) (*Credential, error) {
	if err := i.Ready(); err != nil {
		return nil, err
	}
	if sessionID <= 0 {
		return nil, fmt.Errorf("%w: session id must be a positive integer", domain.ErrValidation)
	}
	if channel == "" {
		return nil, fmt.Errorf("%w: channel empty", domain.ErrValidation)
	}

	issuedAt := i.now()
	expiresAt := issuedAt.Add(i.ttl)
	claims := jwt.MapClaims{
		"iss":  i.appID,
		"chan": channel,
		"uid":  sessionID,
		"role": string(role),
		"iat":  issuedAt.Unix(),
		"exp":  expiresAt.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.appSecret)
	if err != nil {
		return nil, fmt.Errorf("sign rtc credential: %w", err)
	}
	return &Credential{Token: signed, ExpiresAt: expiresAt}, nil
}
