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

package config

// These tests verify that we can properly configure the service with YAML
// input.
import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

// a valid service config entry
const VALID_SERVICE string = `
service:
  port: 8080
  max_connections: 100
  staging_root: /data/staging
  production_root: /data/production
  data_dir: /data/dts
`

const VALID_AUTH string = `
auth:
  provider: fallback
  session_key: ${DTS_SESSION_KEY}
`

// tests whether config.Init reports an error for blank input
func TestInitRejectsBlankInput(t *testing.T) {
	b := []byte("")
	err := Init(b)
	assert.NotNil(t, err, "Blank config didn't trigger an error.")
}

// tests whether config.Init reports an error for an invalid port
func TestInitRejectsBadPort(t *testing.T) {
	yaml := "service:\n  port: -1\n  staging_root: /x\n  production_root: /y\n  data_dir: /z\n\n" + VALID_AUTH
	b := []byte(yaml)
	err := Init(b)
	assert.NotNil(t, err, "Config with bad port didn't trigger an error.")

	yaml = "service:\n  port: 1000000\n  staging_root: /x\n  production_root: /y\n  data_dir: /z\n\n" + VALID_AUTH
	b = []byte(yaml)
	err = Init(b)
	assert.NotNil(t, err, "Config with bad port didn't trigger an error.")
}

// tests whether config.Init reports an error for an invalid max number of
// connections
func TestInitRejectsBadMaxConnections(t *testing.T) {
	yaml := "service:\n  port: 8080\n  max_connections: 0\n  staging_root: /data/staging\n  production_root: /data/production\n  data_dir: /data/dts\n\n" + VALID_AUTH
	b := []byte(yaml)
	err := Init(b)
	assert.NotNil(t, err, "Config with bad max_connections didn't trigger an error.")
}

// tests whether config.Init rejects a configuration with no staging_root
func TestInitRejectsNoStagingRoot(t *testing.T) {
	yaml := "service:\n  production_root: /y\n  data_dir: /z\n\n" + VALID_AUTH
	b := []byte(yaml)
	err := Init(b)
	assert.NotNil(t, err, "Config with no staging_root didn't trigger an error.")
}

// tests whether config.Init rejects an invalid copy method
func TestInitRejectsBadCopyMethod(t *testing.T) {
	yaml := VALID_SERVICE + VALID_AUTH + "\ncopy:\n  method: teleport\n"
	b := []byte(yaml)
	err := Init(b)
	assert.NotNil(t, err, "Config with bad copy method didn't trigger an error.")
}

// tests whether config.Init rejects an auth section with no session key
func TestInitRejectsMissingSessionKey(t *testing.T) {
	yaml := VALID_SERVICE + "\nauth:\n  provider: fallback\n"
	b := []byte(yaml)
	err := Init(b)
	assert.NotNil(t, err, "Config with no session_key didn't trigger an error.")
}

// tests whether config.Init rejects ldap auth with no ldap_url
func TestInitRejectsLdapWithNoURL(t *testing.T) {
	yaml := VALID_SERVICE + "\nauth:\n  provider: ldap\n  session_key: abc\n"
	b := []byte(yaml)
	err := Init(b)
	assert.NotNil(t, err, "Config with ldap provider and no ldap_url didn't trigger an error.")
}

// Tests whether config.Init returns no error for a configuration that is
// (ostensibly) valid. NOTE: this configuration is consistent and contains
// acceptable values for fields, but won't actually run a service.
func TestInitAcceptsValidInput(t *testing.T) {
	yaml := VALID_SERVICE + VALID_AUTH
	b := []byte(yaml)
	err := Init(b)
	assert.Nil(t, err, fmt.Sprintf("Valid YAML input produced an error: %s", err))
}

// tests whether config.Init properly initializes its globals for valid input
func TestInitProperlySetsGlobals(t *testing.T) {
	yaml := VALID_SERVICE + VALID_AUTH
	b := []byte(yaml)
	err := Init(b)
	assert.Nil(t, err, fmt.Sprintf("Valid YAML input produced an error: %s", err))

	assert.Equal(t, 8080, Service.Port)
	assert.Equal(t, 100, Service.MaxConnections)
	assert.Equal(t, "/data/staging", Service.StagingRoot)
	assert.Equal(t, "copy", Copy.Method)
}

// this function gets called at the beginning of a test session
func setup() {
	os.Setenv("DTS_SESSION_KEY", "test-session-key")
}

// this function gets called after all tests have been run
func breakdown() {
}

// runs setup, runs all tests, and does breakdown
func TestMain(m *testing.M) {
	var status int
	setup()
	status = m.Run()
	breakdown()
	os.Exit(status)
}
