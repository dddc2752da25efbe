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

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// service-wide configuration parameters
type serviceConfig struct {
	// port on which the HTTP surface listens
	Port int `yaml:"port,omitempty"`
	// maximum number of allowed incoming connections
	MaxConnections int `yaml:"max_connections,omitempty"`
	// maximum size of an uploaded transfer payload, past which uploads are
	// refused (bytes)
	MaxUploadSize int64 `yaml:"max_upload_size,omitempty"`
	// HTTP request read timeout (seconds); default 30
	RequestReadTimeout int `yaml:"request_read_timeout,omitempty"`
	// name of existing directory holding staged (pre-approval) uploads
	StagingRoot string `yaml:"staging_root"`
	// name of existing directory that is the root of the production filesystem
	ProductionRoot string `yaml:"production_root"`
	// name of existing directory in which the service keeps its persistent
	// data: the SQLite store, the task queue's gob snapshot, and the audit
	// journal
	DataDirectory string `yaml:"data_dir"`
	// flag indicating whether debug logging is enabled
	Debug bool `yaml:"debug"`
}

// scanner (virus-scan) configuration
type scannerConfig struct {
	// true if the scanner is enabled; when false, ScanWorker runs in
	// degraded mode and marks every file clean/skipped
	Enabled bool `yaml:"enabled"`
	// path to the clamscan (or compatible) binary
	BinaryPath string `yaml:"binary_path,omitempty"`
	// per-file scan timeout (seconds); default 300
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// copy-stage configuration
type copyConfig struct {
	// "rsync" or "copy"
	Method string `yaml:"method"`
	// wall-clock timeout for a single copy task (seconds); default 7200
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// outbound mail configuration; a zero-value smtpConfig disables mail and
// every notification is persisted with email_sent=false
type smtpConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	From     string `yaml:"from,omitempty"`
}

// ShotGrid collaborator configuration
type shotgridConfig struct {
	URL         string `yaml:"url,omitempty"`
	ScriptName  string `yaml:"script_name,omitempty"`
	ScriptKey   string `yaml:"script_key,omitempty"`
	// when false, a NullClient stands in and every call is a documented no-op
	Enabled bool `yaml:"enabled"`
}

// authentication configuration; selects LDAP or fallback (local-password)
// authentication, and the key used to seal session tokens
type authConfig struct {
	// "ldap" or "fallback"
	Provider string `yaml:"provider"`
	LDAPURL  string `yaml:"ldap_url,omitempty"`
	LDAPBase string `yaml:"ldap_base,omitempty"`
	// base64-encoded 32-byte fernet key used to seal session tokens
	SessionKey string `yaml:"session_key"`
	// access token lifetime (seconds); default 8 hours
	AccessTokenLifetime int `yaml:"access_token_lifetime,omitempty"`
	// refresh token lifetime (seconds); default 30 days
	RefreshTokenLifetime int `yaml:"refresh_token_lifetime,omitempty"`
}

// global config variables, populated by Init
var (
	Service  serviceConfig
	Scanner  scannerConfig
	Copy     copyConfig
	SMTP     smtpConfig
	ShotGrid shotgridConfig
	Auth     authConfig
)

// this struct performs the unmarshalling from the YAML config file and then
// copies its fields to the globals above
type configFile struct {
	Service  serviceConfig  `yaml:"service"`
	Scanner  scannerConfig  `yaml:"scanner"`
	Copy     copyConfig     `yaml:"copy"`
	SMTP     smtpConfig     `yaml:"smtp"`
	ShotGrid shotgridConfig `yaml:"shotgrid"`
	Auth     authConfig     `yaml:"auth"`
}

// locates and reads a configuration file, returning an error indicating
// success or failure. All environment variables of the form ${ENV_VAR} are
// expanded before parsing.
func readConfig(bytes []byte) error {
	bytes = []byte(os.ExpandEnv(string(bytes)))

	var conf configFile
	conf.Service.Port = 8080
	conf.Service.MaxConnections = 100
	conf.Service.MaxUploadSize = 100 * 1024 * 1024 * 1024 // 100 GB
	conf.Service.RequestReadTimeout = 30
	conf.Scanner.TimeoutSeconds = 300
	conf.Copy.Method = "copy"
	conf.Copy.TimeoutSeconds = 7200
	conf.Auth.Provider = "fallback"
	conf.Auth.AccessTokenLifetime = int(8 * time.Hour / time.Second)
	conf.Auth.RefreshTokenLifetime = int(30 * 24 * time.Hour / time.Second)

	err := yaml.Unmarshal(bytes, &conf)
	if err != nil {
		log.Printf("Couldn't parse configuration data: %s\n", err)
		return err
	}

	Service = conf.Service
	Scanner = conf.Scanner
	Copy = conf.Copy
	SMTP = conf.SMTP
	ShotGrid = conf.ShotGrid
	Auth = conf.Auth

	return nil
}

func validateServiceParameters(params serviceConfig) error {
	if params.Port < 0 || params.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", params.Port)
	}
	if params.MaxConnections <= 0 {
		return fmt.Errorf("invalid max_connections: %d (must be positive)",
			params.MaxConnections)
	}
	if params.MaxUploadSize <= 0 {
		return fmt.Errorf("invalid max_upload_size: %d (must be positive)",
			params.MaxUploadSize)
	}
	if params.StagingRoot == "" {
		return fmt.Errorf("no staging_root specified")
	}
	if params.ProductionRoot == "" {
		return fmt.Errorf("no production_root specified")
	}
	if params.DataDirectory == "" {
		return fmt.Errorf("no data_dir specified")
	}
	return nil
}

func validateCopy(params copyConfig) error {
	switch params.Method {
	case "rsync", "copy":
	default:
		return fmt.Errorf("invalid copy method: %q (must be 'rsync' or 'copy')", params.Method)
	}
	if params.TimeoutSeconds <= 0 {
		return fmt.Errorf("non-positive copy timeout specified: %d s", params.TimeoutSeconds)
	}
	return nil
}

func validateAuth(params authConfig) error {
	switch params.Provider {
	case "ldap", "fallback":
	default:
		return fmt.Errorf("invalid auth provider: %q (must be 'ldap' or 'fallback')", params.Provider)
	}
	if params.Provider == "ldap" && params.LDAPURL == "" {
		return fmt.Errorf("ldap auth provider requires ldap_url")
	}
	if params.SessionKey == "" {
		return fmt.Errorf("no session_key specified")
	}
	return nil
}

// validates the given configuration, returning an error that indicates
// success or failure
func validateConfig() error {
	if err := validateServiceParameters(Service); err != nil {
		return err
	}
	if err := validateCopy(Copy); err != nil {
		return err
	}
	if err := validateAuth(Auth); err != nil {
		return err
	}
	return nil
}

// initializes the DTS configuration using the given YAML byte data
func Init(yamlData []byte) error {
	if err := readConfig(yamlData); err != nil {
		return err
	}
	return validateConfig()
}
