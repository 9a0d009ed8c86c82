package realtime

import (
	"errors"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/golang-jwt/jwt/v5"
)

// Token verification errors.
var (
	ErrTokenMissing = errors.New("token missing")
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenConfig  = errors.New("token verifier misconfigured")
)

const pasetoV4PublicPrefix = "v4.public."

// TokenConfig configures hello token verification. At least one key must be set.
type TokenConfig struct {
	// Issuer, when set, must match the token "iss" claim.
	Issuer string
	// PasetoV4PublicKeyHex verifies PASETO v4.public tokens.
	PasetoV4PublicKeyHex string
	// JWTSecret verifies HS256 JWTs.
	JWTSecret []byte
	// ClockSkew is the tolerated drift between the issuer and server clocks.
	ClockSkew time.Duration
}

// TokenVerifier checks that a hello token was issued for the client id it arrives with.
// Token issuance lives in an external auth service; only verification happens here.
type TokenVerifier struct {
	issuer    string
	clockSkew time.Duration

	public    *paseto.V4AsymmetricPublicKey
	jwtSecret []byte
}

// NewTokenVerifier builds a verifier from cfg.
func NewTokenVerifier(cfg TokenConfig) (*TokenVerifier, error) {
	v := &TokenVerifier{
		issuer:    strings.TrimSpace(cfg.Issuer),
		clockSkew: cfg.ClockSkew,
	}
	if v.clockSkew < 0 {
		v.clockSkew = 0
	}

	if hex := strings.TrimSpace(cfg.PasetoV4PublicKeyHex); hex != "" {
		pub, err := paseto.NewV4AsymmetricPublicKeyFromHex(hex)
		if err != nil {
			return nil, ErrTokenConfig
		}
		v.public = &pub
	}
	if len(cfg.JWTSecret) > 0 {
		v.jwtSecret = append([]byte(nil), cfg.JWTSecret...)
	}

	if v.public == nil && v.jwtSecret == nil {
		return nil, ErrTokenConfig
	}
	return v, nil
}

// Verify accepts a PASETO v4.public token or an HS256 JWT whose subject is clientID.
func (v *TokenVerifier) Verify(token, clientID string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrTokenMissing
	}

	if strings.HasPrefix(token, pasetoV4PublicPrefix) {
		if v.public == nil {
			return ErrTokenInvalid
		}
		return v.verifyPaseto(token, clientID, now)
	}
	if v.jwtSecret == nil {
		return ErrTokenInvalid
	}
	return v.verifyJWT(token, clientID, now)
}

func (v *TokenVerifier) verifyPaseto(token, clientID string, now time.Time) error {
	// Fresh parser per call; rules accumulate on a shared one. Expiry is checked
	// against now through ValidAt, not the wall clock.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.Subject(clientID))
	p.AddRule(paseto.ValidAt(now.Add(v.clockSkew)))
	if v.issuer != "" {
		p.AddRule(paseto.IssuedBy(v.issuer))
	}

	if _, err := p.ParseV4Public(*v.public, token, nil); err != nil {
		return ErrTokenInvalid
	}
	return nil
}

func (v *TokenVerifier) verifyJWT(token, clientID string, now time.Time) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(clientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.jwtSecret, nil
	}, opts...)
	if err != nil {
		return ErrTokenInvalid
	}
	return nil
}
