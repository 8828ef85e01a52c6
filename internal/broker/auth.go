package broker

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = fmt.Errorf("no bearer token presented")
	ErrInvalidToken = fmt.Errorf("token invalid or expired")
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID string
	SiteID string
	OrgID  string
	Role   string
}

// Claims is the JWT payload widget tokens carry. The subject is the user ID.
type Claims struct {
	SiteID string `json:"site_id"`
	OrgID  string `json:"org_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 widget tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Issue mints a token for an identity. Used by the site onboarding surface
// and test fixtures.
func (a *Authenticator) Issue(identity Identity, ttl time.Duration) (string, error) {
	claims := &Claims{
		SiteID: identity.SiteID,
		OrgID:  identity.OrgID,
		Role:   identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate parses and verifies a token, returning the identity.
func (a *Authenticator) Authenticate(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &Identity{
		UserID: claims.Subject,
		SiteID: claims.SiteID,
		OrgID:  claims.OrgID,
		Role:   claims.Role,
	}, nil
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the token query parameter since EventSource cannot set
// headers.
func TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// CanSubscribe is the channel authorization predicate: a connection may only
// subscribe to channels its identity matches.
func CanSubscribe(identity *Identity, channel string) bool {
	switch {
	case strings.HasPrefix(channel, "public:"):
		return true
	case matchesScope(channel, "site:", identity.SiteID):
		return true
	case matchesScope(channel, "user:", identity.UserID):
		return true
	case matchesScope(channel, "org:", identity.OrgID):
		return true
	default:
		return false
	}
}

func matchesScope(channel, prefix, id string) bool {
	if id == "" || !strings.HasPrefix(channel, prefix) {
		return false
	}
	rest := strings.TrimPrefix(channel, prefix)
	return rest == id || strings.HasPrefix(rest, id+":")
}
