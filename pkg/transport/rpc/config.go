package rpc

import (
	"fmt"
	"time"
)

// Config is the transport configuration of the rpc bus. Certificates are
// optional, plain tcp is used when neither side sets a key pair.
type Config struct {
	// ServerCAs verify the certificates presented by publishing peers
	ServerCAs        []string `json:"server_cas" yaml:"server_cas"`
	ServerKey        string   `json:"server_key" yaml:"server_key"`
	ServerCert       string   `json:"server_cert" yaml:"server_cert"`
	ServerSkipVerify bool     `json:"server_skip_verify" yaml:"server_skip_verify"`

	// ClientCAs verify the certificates of the peers published to.
	// The host's root CA set is used when empty.
	ClientCAs        []string `json:"client_cas" yaml:"client_cas"`
	ClientCert       string   `json:"client_cert" yaml:"client_cert"`
	ClientKey        string   `json:"client_key" yaml:"client_key"`
	ClientSkipVerify bool     `json:"client_skip_verify" yaml:"client_skip_verify"`

	// ConnectTimeout bounds one dial to a peer, in seconds
	ConnectTimeout uint `json:"connect_timeout" yaml:"connect_timeout"`
	// CallTimeoutMs bounds one publish call to a peer, in milliseconds
	CallTimeoutMs uint `json:"call_timeout_ms" yaml:"call_timeout_ms"`
}

// Validate checks that each side either has a full key pair or none, and
// that a verifying side has CAs.
func (c *Config) Validate() error {
	if err := validatePair("server", c.ServerKey, c.ServerCert, c.ServerCAs, c.ServerSkipVerify); err != nil {
		return err
	}
	return validatePair("client", c.ClientKey, c.ClientCert, c.ClientCAs, c.ClientSkipVerify)
}

// dialTimeout returns the connect timeout, fallback when unset
func (c *Config) dialTimeout(fallback time.Duration) time.Duration {
	if c == nil || c.ConnectTimeout == 0 {
		return fallback
	}
	return time.Duration(c.ConnectTimeout) * time.Second
}

// callTimeout returns the per call timeout, fallback when unset
func (c *Config) callTimeout(fallback time.Duration) time.Duration {
	if c == nil || c.CallTimeoutMs == 0 {
		return fallback
	}
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

func validatePair(side, key, cert string, cas []string, skipVerify bool) error {
	switch {
	case key == "" && cert == "":
		return nil
	case key == "" || cert == "":
		return fmt.Errorf("incomplete %s certificate configuration", side)
	case !skipVerify && len(cas) == 0:
		return fmt.Errorf("no %s CAs configured", side)
	}
	return nil
}
