package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// Authenticator verifies SMTP AUTH credentials. When no credentials are
// configured, authentication is disabled and mail is accepted from anyone
// the network lets in.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// Empty username or password disables authentication.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain decodes and verifies an AUTH PLAIN response of the form
// base64(authzid \x00 authcid \x00 password).
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid AUTH PLAIN format")
	}

	// parts[0] is the authorization identity, ignored.
	return a.check(parts[1], parts[2])
}

// VerifyLogin verifies AUTH LOGIN credentials after the challenge
// exchange. Both values are base64-encoded.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password")
	}

	return a.check(string(user), string(pass))
}

func (a *Authenticator) check(user, pass string) error {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	if !userOK || !passOK {
		return fmt.Errorf("authentication failed")
	}
	return nil
}
