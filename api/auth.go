package api

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization")
	errBadAuthorization     = errors.New("bad authorization header")
	errInvalidToken         = errors.New("invalid token")
)

// Auth validates the shared client token carried by every API and websocket
// request and issues short-lived HS256 tokens for the admin console.
type Auth struct {
	clientToken []byte
	adminSecret []byte
	adminTTL    time.Duration

	parser *jwt.Parser
}

// NewAuth creates an Auth from the shared client token and the admin token
// signing secret.
func NewAuth(clientToken, adminSecret string, adminTTL time.Duration) *Auth {
	if adminTTL <= 0 {
		adminTTL = 12 * time.Hour
	}
	return &Auth{
		clientToken: []byte(clientToken),
		adminSecret: []byte(adminSecret),
		adminTTL:    adminTTL,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

func bearerTokenFromHeader(h string) (string, error) {
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errBadAuthorization
	}
	return parts[1], nil
}

// AuthorizeClient checks the shared client token, taken from the
// Authorization header or, for websocket upgrades where headers are awkward,
// from a query parameter.
func (a *Auth) AuthorizeClient(authHeader, queryToken string) error {
	token := queryToken
	if authHeader != "" {
		parsed, err := bearerTokenFromHeader(authHeader)
		if err != nil {
			return err
		}
		token = parsed
	}
	if token == "" {
		return errMissingAuthorization
	}
	if subtle.ConstantTimeCompare([]byte(token), a.clientToken) != 1 {
		return errInvalidToken
	}
	return nil
}

// CreateAdminToken mints a signed token for an authenticated admin.
func (a *Auth) CreateAdminToken(username string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   username,
		"admin": true,
		"iat":   now.Unix(),
		"exp":   now.Add(a.adminTTL).Unix(),
	})
	return token.SignedString(a.adminSecret)
}

// UsernameFromAdminToken verifies an admin token from the Authorization
// header and returns the subject.
func (a *Auth) UsernameFromAdminToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errMissingAuthorization
	}
	tokenStr, err := bearerTokenFromHeader(authHeader)
	if err != nil {
		return "", err
	}

	parsed, err := a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.adminSecret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errInvalidToken
	}
	if !claims.VerifyExpiresAt(time.Now().Unix(), true) {
		return "", errors.New("token expired")
	}
	if isAdmin, _ := claims["admin"].(bool); !isAdmin {
		return "", errInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}
