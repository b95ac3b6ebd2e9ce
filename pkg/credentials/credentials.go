// Package credentials canonicalizes the loosely-typed router credential bag
// read from configuration into a validated connection record.
package credentials

import (
	"fmt"
	"strings"
	"time"

	"github.com/flowagent-network/flowagent/pkg/util"
)

// Canonical keys.
const (
	KeyHost     = "host"
	KeyPort     = "port"
	KeyUser     = "user"
	KeyPassword = "password"
	KeyKey      = "key"
	KeyTimeout  = "timeout"
)

// aliases lists, per canonical key, the alternative spellings accepted in a
// credential bag, in resolution order.
var aliases = map[string][]string{
	KeyHost:     {"ip"},
	KeyUser:     {"username"},
	KeyPassword: {"pass"},
	KeyKey:      {"key_filename", "file"},
	KeyPort:     nil,
	KeyTimeout:  nil,
}

// Defaults are the vendor-level fallbacks applied last.
type Defaults struct {
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

// SSHDefaults are the defaults for CLI drivers.
var SSHDefaults = Defaults{Port: 22, Timeout: 30 * time.Second}

// Credentials is the canonical connection record.
type Credentials struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
	Timeout  time.Duration
}

// Address returns host:port.
func (c *Credentials) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String never includes the secret.
func (c *Credentials) String() string {
	secret := "none"
	switch {
	case c.Password != "":
		secret = "password"
	case c.KeyFile != "":
		secret = "key"
	}
	return fmt.Sprintf("%s@%s (auth: %s)", c.User, c.Address(), secret)
}

// Validate checks the invariants every driver relies on.
func (c *Credentials) Validate() error {
	if _, ok := util.ParseIPv4(c.Host); !ok {
		return fmt.Errorf("%w: host %q is not an IPv4 address", util.ErrInvalidCredentials, c.Host)
	}
	if c.User != "" && c.Password == "" && c.KeyFile == "" {
		return fmt.Errorf("%w: user %q was specified without password or key", util.ErrInvalidCredentials, c.User)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", util.ErrInvalidCredentials, c.Port)
	}
	return nil
}

// Resolve produces the canonical record without validating it. Each field is
// taken from the bag's canonical key, then its aliases, then the fallback
// bag (canonical key then aliases), then the defaults.
func Resolve(bag, fallback map[string]interface{}, defaults Defaults) *Credentials {
	lookup := func(key string) interface{} {
		for _, src := range []map[string]interface{}{bag, fallback} {
			for _, k := range append([]string{key}, aliases[key]...) {
				if v, ok := src[k]; ok && util.AsString(v) != "" {
					return v
				}
			}
		}
		return nil
	}

	c := &Credentials{
		User:     util.AsString(lookup(KeyUser)),
		Password: util.AsString(lookup(KeyPassword)),
		KeyFile:  util.AsString(lookup(KeyKey)),
	}

	host := util.AsString(lookup(KeyHost))
	if ip, ok := util.ParseIPv4(host); ok {
		host = ip
	}
	c.Host = host

	if port, ok := util.AsInt(lookup(KeyPort)); ok {
		c.Port = port
	} else {
		c.Port = defaults.Port
	}
	c.Timeout = parseTimeout(lookup(KeyTimeout), defaults.Timeout)

	if c.User == "" {
		c.User = defaults.User
	}
	if c.Password == "" && c.KeyFile == "" {
		c.Password = defaults.Password
	}
	return c
}

// Normalize resolves and validates.
func Normalize(bag, fallback map[string]interface{}, defaults Defaults) (*Credentials, error) {
	c := Resolve(bag, fallback, defaults)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FilterKeys returns a copy of bag holding only the given canonical keys and
// their aliases.
func FilterKeys(bag map[string]interface{}, keys ...string) map[string]interface{} {
	allowed := make(map[string]bool)
	for _, k := range keys {
		allowed[k] = true
		for _, a := range aliases[k] {
			allowed[a] = true
		}
	}
	out := make(map[string]interface{}, len(bag))
	for k, v := range bag {
		if allowed[strings.ToLower(k)] {
			out[strings.ToLower(k)] = v
		}
	}
	return out
}

func parseTimeout(v interface{}, def time.Duration) time.Duration {
	switch t := v.(type) {
	case time.Duration:
		if t > 0 {
			return t
		}
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(t)); err == nil && d > 0 {
			return d
		}
	}
	if n, ok := util.AsInt(v); ok && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
