// ABOUTME: Principal resolution for inbound gateway requests.
// ABOUTME: Header-trust default plus an optional JWT bearer resolver.

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized rejects a request whose principal cannot be established.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is the resolved identity scope for a request. WorkspaceID is
// included in every downstream call; it is the isolation boundary.
type Principal struct {
	WorkspaceID string
	UserID      string
}

// Resolver establishes the principal for an inbound request. The gateway
// never issues or validates sessions itself; whoever constructs it decides
// the trust model.
type Resolver interface {
	Resolve(r *http.Request) (Principal, error)
}

// HeaderResolver trusts X-Workspace-Id and X-User-Id headers, defaulting to
// "default" when absent. This relies on network-level access control in
// front of the gateway and is the documented default trust model.
type HeaderResolver struct{}

// Resolve implements Resolver.
func (HeaderResolver) Resolve(r *http.Request) (Principal, error) {
	p := Principal{
		WorkspaceID: r.Header.Get("X-Workspace-Id"),
		UserID:      r.Header.Get("X-User-Id"),
	}
	if p.WorkspaceID == "" {
		p.WorkspaceID = "default"
	}
	if p.UserID == "" {
		p.UserID = "default"
	}
	return p, nil
}

// JWTResolver validates an HMAC-signed bearer token and reads the principal
// from its workspace_id and user_id claims.
type JWTResolver struct {
	Secret []byte
}

// Resolve implements Resolver.
func (j JWTResolver) Resolve(r *http.Request) (Principal, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return Principal{}, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("%w: unexpected claims shape", ErrUnauthorized)
	}
	workspace, _ := claims["workspace_id"].(string)
	user, _ := claims["user_id"].(string)
	if workspace == "" || user == "" {
		return Principal{}, fmt.Errorf("%w: token missing workspace_id or user_id claim", ErrUnauthorized)
	}
	return Principal{WorkspaceID: workspace, UserID: user}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix)), true
}
