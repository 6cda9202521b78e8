package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSubjectMismatch    = errors.New("token subject does not match user id")
)

// Verifier checks a credential and returns the subject it was issued to.
type Verifier interface {
	Verify(credential string) (string, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return noneVerifier{}, nil
	case config.AuthModeJWT:
		if cfg.JWTSecret == "" {
			return nil, errors.New("jwt auth requires a secret")
		}
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type noneVerifier struct{}

func (noneVerifier) Verify(string) (string, error) { return "", nil }

type jwtVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier accepts HS256 tokens signed with secret. exp and nbf are
// enforced when present.
func NewJWTVerifier(secret string) Verifier {
	return jwtVerifier{secret: []byte(secret), now: time.Now}
}

func (v jwtVerifier) Verify(credential string) (string, error) {
	if credential == "" {
		return "", ErrMissingCredentials
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(credential, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing sub", ErrInvalidCredentials)
	}
	return sub, nil
}

// Sign issues an HS256 token for subject. A ttl of zero omits exp.
func Sign(secret, subject string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// Authenticator binds a websocket handshake to the participant id in its path.
type Authenticator struct {
	mode     config.AuthMode
	verifier Verifier
}

func NewAuthenticator(cfg config.Config) (*Authenticator, error) {
	verifier, err := NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return &Authenticator{mode: cfg.AuthMode, verifier: verifier}, nil
}

// Authenticate checks the query credentials of a connect request for userID.
// In jwt mode the token's sub must equal the decimal user id.
func (a *Authenticator) Authenticate(userID int64, q url.Values) error {
	if a.mode == config.AuthModeNone {
		return nil
	}
	cred, err := CredentialFromQuery(a.mode, q)
	if err != nil {
		return err
	}
	sub, err := a.verifier.Verify(cred)
	if err != nil {
		return err
	}
	if sub != strconv.FormatInt(userID, 10) {
		return ErrSubjectMismatch
	}
	return nil
}
