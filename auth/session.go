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
	"encoding/json"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/kelpstudio/dts/config"
)

// A pair of bearer tokens issued on login: Access is presented on every
// request (in the Authorization header, as "Bearer <token>"); Refresh is
// presented only to mint a new Access token.
type TokenPair struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// the payload sealed inside a session token
type sessionClaims struct {
	Username  string `json:"username"`
	Kind      string `json:"kind"` // "access" or "refresh"
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// issues a fresh access/refresh token pair for the given username. Tokens are
// fernet-sealed JSON blobs: symmetric, tamper-evident, and self-expiring,
// following the same encrypt-and-sign idiom the teacher used (test-only) for
// its access-token file; here it is the production session mechanism.
func IssueTokens(username string) (TokenPair, error) {
	key, err := sessionKey()
	if err != nil {
		return TokenPair{}, err
	}
	now := time.Now()
	access, err := sealClaims(sessionClaims{
		Username:  username,
		Kind:      "access",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Duration(accessLifetime()) * time.Second).Unix(),
	}, key)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := sealClaims(sessionClaims{
		Username:  username,
		Kind:      "refresh",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Duration(refreshLifetime()) * time.Second).Unix(),
	}, key)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

// verifies and unseals an access token, returning the username it was issued
// for, or a non-nil error if the token is invalid, expired, or not an access
// token
func VerifyAccessToken(token string) (string, error) {
	return verifyToken(token, "access")
}

// verifies and unseals a refresh token, returning the username it was issued
// for
func VerifyRefreshToken(token string) (string, error) {
	return verifyToken(token, "refresh")
}

//-----------
// Internals
//-----------

func accessLifetime() int {
	if config.Auth.AccessTokenLifetime > 0 {
		return config.Auth.AccessTokenLifetime
	}
	return int(8 * time.Hour / time.Second)
}

func refreshLifetime() int {
	if config.Auth.RefreshTokenLifetime > 0 {
		return config.Auth.RefreshTokenLifetime
	}
	return int(30 * 24 * time.Hour / time.Second)
}

func sessionKey() (*fernet.Key, error) {
	if config.Auth.SessionKey == "" {
		return nil, fmt.Errorf("no session_key configured for auth")
	}
	key, err := fernet.DecodeKey(config.Auth.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid session_key: %w", err)
	}
	return key, nil
}

func sealClaims(claims sessionClaims, key *fernet.Key) (string, error) {
	plaintext, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	token, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return "", err
	}
	return string(token), nil
}

func verifyToken(token, wantKind string) (string, error) {
	key, err := sessionKey()
	if err != nil {
		return "", err
	}
	plaintext := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{key})
	if plaintext == nil {
		return "", fmt.Errorf("invalid or expired session token")
	}
	var claims sessionClaims
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return "", fmt.Errorf("malformed session token")
	}
	if claims.Kind != wantKind {
		return "", fmt.Errorf("expected %s token, got %s", wantKind, claims.Kind)
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return "", fmt.Errorf("session token expired")
	}
	return claims.Username, nil
}
