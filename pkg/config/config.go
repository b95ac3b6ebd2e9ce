// Package config loads the agent configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowagent-network/flowagent/pkg/api"
	"github.com/flowagent-network/flowagent/pkg/audit"
	"github.com/flowagent-network/flowagent/pkg/device"
	"github.com/flowagent-network/flowagent/pkg/health"
	"github.com/flowagent-network/flowagent/pkg/lock"
	"github.com/flowagent-network/flowagent/pkg/util"
)

// DefaultPath is read when no --config is given.
const DefaultPath = "/etc/flowagent/flowagent.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOWAGENT_"

// Job names.
const (
	JobStatsFetcher     = "stats_fetcher"
	JobFlowsApplier     = "flows_applier"
	JobFlowsSync        = "flows_sync"
	JobDeviceController = "device_controller"
)

// DefaultIntervals are the job intervals unless overridden.
var DefaultIntervals = map[string]time.Duration{
	JobStatsFetcher:     60 * time.Second,
	JobFlowsApplier:     10 * time.Second,
	JobFlowsSync:        10 * time.Minute,
	JobDeviceController: 10 * time.Second,
}

// JobNames lists the jobs in the order they are scheduled.
var JobNames = []string{JobStatsFetcher, JobFlowsApplier, JobFlowsSync, JobDeviceController}

// Default backend endpoint.
const (
	DefaultURLHost = "api.secunity.io"
	DefaultURLPort = 443
)

// Duration accepts a Go duration string ("90s") or a number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML renders the Go duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole configuration file.
type Config struct {
	// Identifier is the agent's 24-hex-character backend id.
	Identifier string `yaml:"identifier"`
	Vendor     string `yaml:"vendor"`
	// Router is the credential bag handed to the driver: host, port,
	// user, password or key, timeout. Aliases are accepted.
	Router map[string]interface{} `yaml:"router"`
	// Interface is the VRF (Huawei) or filter interface (Juniper).
	Interface string `yaml:"interface,omitempty"`

	Mikrotik   MikrotikConfig       `yaml:"mikrotik"`
	URL        api.Endpoint         `yaml:"url"`
	Health     HealthConfig         `yaml:"health"`
	LockDir    string               `yaml:"lock_dir"`
	Controller ControllerConfig     `yaml:"controller"`
	Sync       SyncConfig           `yaml:"sync"`
	Jobs       map[string]JobConfig `yaml:"jobs"`

	AuthRetryDelay Duration `yaml:"auth_retry_delay"`
	PromptTimeout  Duration `yaml:"prompt_timeout"`
	APITimeout     Duration `yaml:"api_timeout"`

	Log         LogConfig   `yaml:"log"`
	Audit       AuditConfig `yaml:"audit"`
	MetricsAddr string      `yaml:"metrics_addr,omitempty"`

	// Legacy collects top-level keys of the flat configuration format,
	// folded into the structured fields by Load.
	Legacy map[string]interface{} `yaml:",inline"`
}

// MikrotikConfig tunes the RouterOS driver.
type MikrotikConfig struct {
	OwnerPrefix string `yaml:"owner_prefix"`
	ReadPath    string `yaml:"read_path"`
	RemovePath  string `yaml:"remove_path"`
	Chain       string `yaml:"chain"`
}

// HealthConfig selects the health marker store.
type HealthConfig struct {
	Backend     string `yaml:"backend"` // file or redis
	Dir         string `yaml:"dir"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// Health store backends.
const (
	HealthBackendFile  = "file"
	HealthBackendRedis = "redis"
)

// ControllerConfig configures the fail-safe purge.
type ControllerConfig struct {
	Threshold          Duration `yaml:"threshold"`
	RemoveOnlyIfFailed bool     `yaml:"remove_only_if_failed"`
}

// SyncConfig configures full reconciliation.
type SyncConfig struct {
	ProtectPending bool `yaml:"protect_pending"`
}

// JobConfig enables a job and sets its interval.
type JobConfig struct {
	Enabled  *bool    `yaml:"enabled,omitempty"`
	Interval Duration `yaml:"interval,omitempty"`
}

// IsEnabled treats an unset flag as enabled.
func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// LogConfig configures logrus.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file,omitempty"`
}

// AuditConfig configures the mutation audit trail.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSize    int64  `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Router == nil {
		c.Router = map[string]interface{}{}
	}
	if c.URL.Scheme == "" {
		c.URL.Scheme = "https"
	}
	if c.URL.Host == "" {
		c.URL.Host = DefaultURLHost
		if c.URL.Port == 0 {
			c.URL.Port = DefaultURLPort
		}
	}
	if c.Mikrotik.OwnerPrefix == "" {
		c.Mikrotik.OwnerPrefix = device.DefaultOwnerPrefix
	}
	if c.Mikrotik.ReadPath == "" {
		c.Mikrotik.ReadPath = device.DefaultReadPath
	}
	if c.Mikrotik.RemovePath == "" {
		c.Mikrotik.RemovePath = device.DefaultRemovePath
	}
	if c.Mikrotik.Chain == "" {
		c.Mikrotik.Chain = device.DefaultChain
	}
	if c.Health.Backend == "" {
		c.Health.Backend = HealthBackendFile
	}
	if c.Health.Dir == "" {
		c.Health.Dir = health.DefaultDir
	}
	if c.Health.RedisAddr == "" {
		c.Health.RedisAddr = "127.0.0.1:6379"
	}
	if c.Health.RedisPrefix == "" {
		c.Health.RedisPrefix = health.DefaultRedisPrefix
	}
	if c.LockDir == "" {
		c.LockDir = os.TempDir()
	}
	if c.Controller.Threshold == 0 {
		c.Controller.Threshold = Duration(health.DefaultThreshold)
	}
	if c.Jobs == nil {
		c.Jobs = map[string]JobConfig{}
	}
	for _, name := range JobNames {
		j := c.Jobs[name]
		if j.Interval == 0 {
			j.Interval = Duration(DefaultIntervals[name])
		}
		c.Jobs[name] = j
	}
	if c.AuthRetryDelay == 0 {
		c.AuthRetryDelay = Duration(device.DefaultAuthRetryDelay)
	}
	if c.PromptTimeout == 0 {
		c.PromptTimeout = Duration(device.DefaultPromptTimeout)
	}
	if c.APITimeout == 0 {
		c.APITimeout = Duration(api.DefaultTimeout)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = audit.DefaultPath
	}
	if c.Audit.MaxSize == 0 {
		c.Audit.MaxSize = 10 << 20
	}
	if c.Audit.MaxBackups == 0 {
		c.Audit.MaxBackups = 5
	}
}

// Load reads the file at path, or DefaultPath when path is empty. A
// missing file yields the defaults. Environment overrides are applied
// last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	return LoadFrom(path, os.LookupEnv)
}

// LoadFrom reads path and applies overrides from lookup.
func LoadFrom(path string, lookup func(string) (string, bool)) (*Config, error) {
	c := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		util.Debugf("config %s not found, using defaults", path)
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := c.foldLegacy(); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	c.applyEnv(lookup)
	c.applyDefaults()
	return c, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// legacyRouterKeys are flat keys that belong in the credential bag.
var legacyRouterKeys = []string{"host", "ip", "port", "user", "username", "password", "pass", "key", "key_filename", "file", "timeout"}

// foldLegacy moves keys of the flat format into their structured homes.
// Structured values win over flat ones.
func (c *Config) foldLegacy() error {
	if len(c.Legacy) == 0 {
		return nil
	}
	if c.Router == nil {
		c.Router = map[string]interface{}{}
	}
	for _, k := range legacyRouterKeys {
		if v, ok := c.Legacy[k]; ok {
			if _, set := c.Router[k]; !set {
				c.Router[k] = v
			}
			delete(c.Legacy, k)
		}
	}

	str := func(key string, dst *string) {
		if v, ok := c.Legacy[key]; ok {
			if *dst == "" {
				*dst = util.AsString(v)
			}
			delete(c.Legacy, key)
		}
	}
	str("url_scheme", &c.URL.Scheme)
	str("url_host", &c.URL.Host)
	str("url_username", &c.URL.Username)
	str("url_password", &c.URL.Password)
	str("vrf", &c.Interface)
	str("flow_prefix", &c.Mikrotik.OwnerPrefix)
	str("resource_path", &c.Mikrotik.ReadPath)

	if v, ok := c.Legacy["url_port"]; ok {
		n, ok := util.AsInt(v)
		if !ok {
			return fmt.Errorf("url_port: invalid value %v", v)
		}
		if c.URL.Port == 0 {
			c.URL.Port = n
		}
		delete(c.Legacy, "url_port")
	}
	if v, ok := c.Legacy["seconds_limit"]; ok {
		n, ok := util.AsInt(v)
		if !ok {
			return fmt.Errorf("seconds_limit: invalid value %v", v)
		}
		if c.Controller.Threshold == 0 {
			c.Controller.Threshold = Duration(time.Duration(n) * time.Second)
		}
		delete(c.Legacy, "seconds_limit")
	}
	if v, ok := c.Legacy["remove_only_if_failed_requests"].(bool); ok {
		c.Controller.RemoveOnlyIfFailed = c.Controller.RemoveOnlyIfFailed || v
		delete(c.Legacy, "remove_only_if_failed_requests")
	}
	if v, ok := c.Legacy["verbose"].(bool); ok {
		if v && c.Log.Level == "" {
			c.Log.Level = "debug"
		}
		delete(c.Legacy, "verbose")
	}

	if len(c.Legacy) > 0 {
		keys := make([]string, 0, len(c.Legacy))
		for k := range c.Legacy {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		util.Warnf("config: ignoring unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	if v, ok := get("IDENTIFIER"); ok {
		c.Identifier = v
	}
	if v, ok := get("VENDOR"); ok {
		c.Vendor = v
	}
	if c.Router == nil {
		c.Router = map[string]interface{}{}
	}
	for env, key := range map[string]string{"HOST": "host", "USER": "user", "PASSWORD": "password", "KEY_FILE": "key"} {
		if v, ok := get(env); ok {
			c.Router[key] = v
		}
	}
	if v, ok := get("URL_HOST"); ok {
		c.URL.Host = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("HEALTH_BACKEND"); ok {
		c.Health.Backend = v
	}
}

// Validate checks what Load cannot default.
func (c *Config) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(api.ValidIdentifier(c.Identifier), fmt.Sprintf("identifier %q is not a 24-character hex id", c.Identifier))
	if _, err := device.ParseVendor(c.Vendor); err != nil {
		v.AddErrorf("vendor: %v (known: %s)", err, vendorList())
	}
	v.Add(c.URL.Host != "", "url.host is required")
	v.Add(c.URL.Port >= 0 && c.URL.Port <= 65535, fmt.Sprintf("url.port %d out of range", c.URL.Port))
	v.Add(c.Health.Backend == HealthBackendFile || c.Health.Backend == HealthBackendRedis,
		fmt.Sprintf("health.backend must be %q or %q, got %q", HealthBackendFile, HealthBackendRedis, c.Health.Backend))
	v.Add(c.Controller.Threshold > 0, "controller.threshold must be positive")
	if _, err := util.ParseLogLevel(c.Log.Level); err != nil {
		v.AddErrorf("log.level: %v", err)
	}
	for name, j := range c.Jobs {
		if _, known := DefaultIntervals[name]; !known {
			v.AddErrorf("jobs: unknown job %q", name)
			continue
		}
		v.Add(j.Interval > 0, fmt.Sprintf("jobs.%s.interval must be positive", name))
	}
	return v.Build()
}

func vendorList() string {
	var names []string
	for _, v := range device.Vendors() {
		names = append(names, string(v))
	}
	return strings.Join(names, ", ")
}

// Job returns the settings of one job.
func (c *Config) Job(name string) JobConfig {
	return c.Jobs[name]
}

// DeviceOptions builds the driver options.
func (c *Config) DeviceOptions(locker *lock.Locker) device.Options {
	return device.Options{
		Locker:         locker,
		AuthRetryDelay: c.AuthRetryDelay.Std(),
		PromptTimeout:  c.PromptTimeout.Std(),
		Mikrotik: device.MikrotikOptions{
			OwnerPrefix: c.Mikrotik.OwnerPrefix,
			ReadPath:    c.Mikrotik.ReadPath,
			RemovePath:  c.Mikrotik.RemovePath,
			Chain:       c.Mikrotik.Chain,
		},
	}
}

// AuditRotation returns the audit log rotation settings.
func (c *Config) AuditRotation() audit.RotationConfig {
	return audit.RotationConfig{MaxSize: c.Audit.MaxSize, MaxBackups: c.Audit.MaxBackups}
}
