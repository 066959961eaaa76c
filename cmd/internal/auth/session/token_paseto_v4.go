package session

import (
	"context"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Identity is the decoded, trusted user identity carried by an access token.
type Identity struct {
	UserID    string
	Name      string
	Email     string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Verifier is the narrow contract the transports depend on.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Manager verifies (and, with a secret key, issues) PASETO v4.public access tokens.
type Manager struct {
	issuer    string
	audience  string
	ttl       time.Duration
	clockSkew time.Duration

	canIssue bool
	secret   paseto.V4AsymmetricSecretKey
	public   paseto.V4AsymmetricPublicKey

	now func() time.Time
}

var _ Verifier = (*Manager)(nil)

// NewManager builds a Manager from cfg.
//
// Issuer and expiration rules are always enforced. Clock skew is applied during
// verification via ValidAt to tolerate minor clock differences.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if m.ttl <= 0 {
		m.ttl = DefaultConfig().AccessTokenTTL
	}

	switch {
	case cfg.PasetoV4SecretKeyHex != "":
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.secret = secret
		m.public = secret.Public()
		m.canIssue = true

	case cfg.PasetoV4PublicKeyHex != "":
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PasetoV4PublicKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.public = public

	case cfg.DevEphemeralKey:
		m.secret = paseto.NewV4AsymmetricSecretKey()
		m.public = m.secret.Public()
		m.canIssue = true

	default:
		return nil, ErrConfig
	}

	return m, nil
}

// CanIssue reports whether this manager holds a secret key.
func (m *Manager) CanIssue() bool { return m.canIssue }

// PublicKeyHex returns the verification key, useful for wiring the auth service in dev.
func (m *Manager) PublicKeyHex() string {
	return m.public.ExportHex()
}

// Issue signs a token for id. Only available with a secret key.
func (m *Manager) Issue(id Identity, now time.Time) (string, time.Time, error) {
	if !m.canIssue {
		return "", time.Time{}, ErrIssueUnsupported
	}
	if strings.TrimSpace(id.UserID) == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	if now.IsZero() {
		now = m.now()
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	if m.audience != "" {
		tok.SetAudience(m.audience)
	}
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("uid", id.UserID)
	if id.Name != "" {
		_ = tok.Set("name", id.Name)
	}
	if id.Email != "" {
		_ = tok.Set("email", id.Email)
	}

	return tok.V4Sign(m.secret, nil), exp, nil
}

// Verify implements Verifier.
func (m *Manager) Verify(_ context.Context, token string) (Identity, error) {
	return m.VerifyAt(token, m.now())
}

// VerifyAt verifies token as of now.
func (m *Manager) VerifyAt(token string, now time.Time) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	// Validate slightly in the future to avoid failing "nbf" when clocks differ.
	validNow := now.Add(m.clockSkew)

	// Fresh parser per call so rules never accumulate across verifies.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))
	if m.audience != "" {
		p.AddRule(paseto.ForAudience(m.audience))
	}

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || strings.TrimSpace(uid) == "" {
		return Identity{}, ErrInvalidToken
	}

	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()
	name, _ := parsed.GetString("name")
	email, _ := parsed.GetString("email")

	return Identity{
		UserID:    uid,
		Name:      name,
		Email:     email,
		ExpiresAt: exp,
		IssuedAt:  iat,
	}, nil
}
