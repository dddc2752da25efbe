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
	"os"
	"testing"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"

	"github.com/kelpstudio/dts/config"
)

func TestMain(m *testing.M) {
	setup()
	status := m.Run()
	os.Exit(status)
}

func setup() {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		panic(err)
	}
	config.Auth.SessionKey = key.Encode()
	config.Auth.AccessTokenLifetime = 3600
	config.Auth.RefreshTokenLifetime = 86400
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	pair, err := IssueTokens("sarah")
	assert.Nil(t, err)
	assert.NotEmpty(t, pair.Access)
	assert.NotEmpty(t, pair.Refresh)

	username, err := VerifyAccessToken(pair.Access)
	assert.Nil(t, err)
	assert.Equal(t, "sarah", username)
}

func TestAccessTokenRejectedAsRefresh(t *testing.T) {
	pair, err := IssueTokens("sarah")
	assert.Nil(t, err)
	_, err = VerifyRefreshToken(pair.Access)
	assert.NotNil(t, err)
}

func TestVerifyRejectsGarbageToken(t *testing.T) {
	_, err := VerifyAccessToken("not-a-real-token")
	assert.NotNil(t, err)
}

func TestVerifyRejectsMissingSessionKey(t *testing.T) {
	saved := config.Auth.SessionKey
	config.Auth.SessionKey = ""
	_, err := VerifyAccessToken("anything")
	assert.NotNil(t, err)
	config.Auth.SessionKey = saved
}
