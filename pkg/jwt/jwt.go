package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrMissingUser  = errors.New("token has no user id")
)

// Claims represents the access-token claims issued by the auth service.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Type     string `json:"type"` // "access" or "refresh"
}

// Verifier validates HS256 access tokens against a shared secret. Only the
// acting user id is resolved here; everything else about identity belongs
// to the auth service.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a new token verifier. An empty issuer disables the
// issuer check.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// ValidateToken validates a token and returns its claims.
func (v *Verifier) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != "" && claims.Type != "access" {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, ErrMissingUser
	}

	return claims, nil
}

// Sign issues an access token for userID valid for ttl. Used by tooling and
// tests; production tokens come from the auth service.
func (v *Verifier) Sign(userID, username string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:   userID,
		Username: username,
		Type:     "access",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
