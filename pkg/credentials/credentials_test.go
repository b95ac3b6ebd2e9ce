package credentials

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flowagent-network/flowagent/pkg/util"
)

func TestResolve_Aliases(t *testing.T) {
	bag := map[string]interface{}{"ip": "10.0.0.5", "username": "admin"}
	c := Resolve(bag, nil, SSHDefaults)

	if c.Host != "10.0.0.5" {
		t.Errorf("Host = %q, want 10.0.0.5", c.Host)
	}
	if c.User != "admin" {
		t.Errorf("User = %q, want admin", c.User)
	}
	if c.Port != 22 {
		t.Errorf("Port = %d, want default 22", c.Port)
	}
	if c.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v", c.Timeout)
	}

	err := c.Validate()
	if !errors.Is(err, util.ErrInvalidCredentials) {
		t.Fatalf("Validate() = %v, want ErrInvalidCredentials", err)
	}
	if !strings.Contains(err.Error(), "without password or key") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestResolve_Precedence(t *testing.T) {
	tests := []struct {
		name     string
		bag      map[string]interface{}
		fallback map[string]interface{}
		wantUser string
		wantPass string
	}{
		{
			name:     "canonical beats alias",
			bag:      map[string]interface{}{"user": "a", "username": "b", "password": "p"},
			wantUser: "a", wantPass: "p",
		},
		{
			name:     "alias beats fallback",
			bag:      map[string]interface{}{"username": "b", "pass": "p"},
			fallback: map[string]interface{}{"user": "c", "password": "q"},
			wantUser: "b", wantPass: "p",
		},
		{
			name:     "fallback fills gaps",
			bag:      map[string]interface{}{"host": "1.1.1.1"},
			fallback: map[string]interface{}{"username": "c", "password": "q"},
			wantUser: "c", wantPass: "q",
		},
		{
			name:     "empty values are skipped",
			bag:      map[string]interface{}{"user": "  ", "username": "d", "password": "p"},
			wantUser: "d", wantPass: "p",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Resolve(tt.bag, tt.fallback, SSHDefaults)
			if c.User != tt.wantUser || c.Password != tt.wantPass {
				t.Errorf("got user=%q pass=%q, want %q/%q", c.User, c.Password, tt.wantUser, tt.wantPass)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		bag     map[string]interface{}
		wantErr bool
	}{
		{"password", map[string]interface{}{"host": "10.0.0.1", "user": "u", "password": "p"}, false},
		{"key file alias", map[string]interface{}{"host": "10.0.0.1", "user": "u", "file": "/k"}, false},
		{"cidr host", map[string]interface{}{"host": "10.0.0.0/24", "user": "u", "pass": "p"}, false},
		{"hostname", map[string]interface{}{"host": "router1", "user": "u", "pass": "p"}, true},
		{"ipv6", map[string]interface{}{"host": "::1", "user": "u", "pass": "p"}, true},
		{"missing host", map[string]interface{}{"user": "u", "pass": "p"}, true},
		{"bad port", map[string]interface{}{"host": "10.0.0.1", "port": 70000, "user": "u", "pass": "p"}, true},
		{"anonymous", map[string]interface{}{"host": "10.0.0.1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.bag, nil, SSHDefaults)
			if (err != nil) != tt.wantErr {
				t.Errorf("Normalize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, util.ErrInvalidCredentials) {
				t.Errorf("error should wrap ErrInvalidCredentials: %v", err)
			}
		})
	}
}

func TestResolve_PortAndTimeout(t *testing.T) {
	c := Resolve(map[string]interface{}{"port": "2222", "timeout": "5s"}, nil, SSHDefaults)
	if c.Port != 2222 {
		t.Errorf("Port = %d", c.Port)
	}
	if c.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", c.Timeout)
	}

	c = Resolve(map[string]interface{}{"port": float64(8728), "timeout": 10}, nil, SSHDefaults)
	if c.Port != 8728 || c.Timeout != 10*time.Second {
		t.Errorf("numeric: port=%d timeout=%v", c.Port, c.Timeout)
	}
}

func TestResolve_VendorDefaults(t *testing.T) {
	defaults := Defaults{Port: 8728, User: "admin"}
	c := Resolve(map[string]interface{}{"host": "10.1.1.1"}, nil, defaults)
	if c.User != "admin" || c.Port != 8728 {
		t.Errorf("defaults not applied: %+v", c)
	}
}

func TestFilterKeys(t *testing.T) {
	bag := map[string]interface{}{
		"host":     "10.0.0.1",
		"username": "admin",
		"password": "secret",
		"vendor":   "mikrotik",
		"url_host": "api.example.com",
	}
	got := FilterKeys(bag, KeyHost, KeyUser, KeyPassword)
	if len(got) != 3 {
		t.Errorf("FilterKeys kept %d keys: %v", len(got), got)
	}
	if _, ok := got["vendor"]; ok {
		t.Error("unrelated key leaked through")
	}
	if got["username"] != "admin" {
		t.Error("alias should be kept")
	}
}

func TestString_RedactsSecret(t *testing.T) {
	c := &Credentials{Host: "10.0.0.1", Port: 22, User: "admin", Password: "hunter2"}
	if strings.Contains(c.String(), "hunter2") {
		t.Errorf("String() leaks password: %s", c)
	}
	if !strings.Contains(c.String(), "admin@10.0.0.1:22") {
		t.Errorf("String() = %s", c)
	}
}
