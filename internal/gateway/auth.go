// Package gateway implements the realtime edge: authenticated WebSocket
// connections, the socket/user registry, room fan-out across instances,
// job offer delivery, location ingestion, and chat relay.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Namespaces a socket can attach to. The namespace fixes the role the
// token must carry.
const (
	NamespaceClient = "client"
	NamespacePorter = "porter"
	NamespaceAdmin  = "admin"
)

// Roles carried by tokens.
const (
	RoleCustomer = "CUSTOMER"
	RolePorter   = "PORTER"
	RoleAdmin    = "ADMIN"
)

// roleForNamespace is the role a non-admin token must carry to attach.
var roleForNamespace = map[string]string{
	NamespaceClient: RoleCustomer,
	NamespacePorter: RolePorter,
	NamespaceAdmin:  RoleAdmin,
}

var (
	ErrTokenInvalid = errors.New("gateway: invalid token")
	ErrTokenExpired = errors.New("gateway: token expired")
	ErrRoleMismatch = errors.New("gateway: token role not allowed on namespace")
)

// Claims are the verified contents of an access token.
type Claims struct {
	UserID    string `json:"uid"`
	Role      string `json:"role"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// TokenVerifier validates HMAC-SHA256 signed tokens of the form
// base64url(claims) "." base64url(signature). Two keys are accepted so
// rotation does not disconnect live clients: the secondary key is the
// previous signing key during its grace window.
type TokenVerifier struct {
	primary   []byte
	secondary []byte
	now       func() time.Time
}

func NewTokenVerifier(primary, secondary string) *TokenVerifier {
	return &TokenVerifier{
		primary:   []byte(primary),
		secondary: []byte(secondary),
		now:       time.Now,
	}
}

// Verify checks signature and expiry and returns the claims.
func (v *TokenVerifier) Verify(token string) (*Claims, error) {
	dot := strings.LastIndexByte(token, '.')
	if dot <= 0 || dot == len(token)-1 {
		return nil, ErrTokenInvalid
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return nil, ErrTokenInvalid
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return nil, ErrTokenInvalid
	}

	if !hmac.Equal(sig, sign(v.primary, claimsJSON)) {
		if len(v.secondary) == 0 || !hmac.Equal(sig, sign(v.secondary, claimsJSON)) {
			return nil, ErrTokenInvalid
		}
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, ErrTokenInvalid
	}
	if v.now().Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

// VerifyForNamespace additionally checks that the token's role is
// allowed on the namespace. Admin tokens may attach anywhere.
func (v *TokenVerifier) VerifyForNamespace(token, namespace string) (*Claims, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Role == RoleAdmin {
		return claims, nil
	}
	if claims.Role != roleForNamespace[namespace] {
		return nil, fmt.Errorf("%w: role %q on /%s", ErrRoleMismatch, claims.Role, namespace)
	}
	return claims, nil
}

// Sign issues a token for the given claims. Production tokens come from
// the identity service; this exists for tooling and tests.
func Sign(key string, claims Claims) (string, error) {
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(claimsJSON) +
		"." +
		base64.RawURLEncoding.EncodeToString(sign([]byte(key), claimsJSON)), nil
}

func sign(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
