package transport

import (
	"fmt"
	"net/http"
)

// Authenticator signs outgoing requests.
type Authenticator interface {
	Authenticate(req *http.Request) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(req *http.Request) error

// Authenticate calls f(req).
func (f AuthenticatorFunc) Authenticate(req *http.Request) error {
	return f(req)
}

// BearerToken authenticates with a static OAuth2 access token.
type BearerToken string

// Authenticate sets the Authorization header.
func (t BearerToken) Authenticate(req *http.Request) error {
	if t == "" {
		return fmt.Errorf("access token is empty")
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", string(t)))
	return nil
}
