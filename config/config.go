// Package config loads and validates the sapops configuration file.
//
// A single YAML document describes the SAP landscape (systems, components,
// SSH endpoints), the Azure side of each system, the authentication and
// role-permission data, per-system HANA SQL endpoints, and the dispatch and
// server tunables. The file is read once at process start; there is no
// runtime reload.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the sapops configuration file.
type Config struct {
	Landscape LandscapeConfig `json:"landscape" yaml:"landscape"`
	Azure     *AzureConfig    `json:"azure,omitempty" yaml:"azure,omitempty"`
	Auth      *AuthConfig     `json:"auth,omitempty" yaml:"auth,omitempty"`
	HANA      *HANAConfig     `json:"hana,omitempty" yaml:"hana,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty" yaml:"dispatch,omitempty"`
	Server    ServerConfig    `json:"server,omitempty" yaml:"server,omitempty"`
}

// LandscapeConfig describes every SAP system reachable over SSH.
type LandscapeConfig struct {
	Systems map[string]SystemConfig `json:"systems" yaml:"systems"`
}

// SystemConfig is one SAP system (SID) and its components.
type SystemConfig struct {
	Description string                     `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        string                     `json:"kind,omitempty" yaml:"kind,omitempty"`
	SSH         SSHConfig                  `json:"ssh,omitempty" yaml:"ssh,omitempty"`
	Components  map[string]ComponentConfig `json:"components" yaml:"components"`
}

// SSHConfig holds the credentials and connection settings for a system's
// hosts. A component may carry its own SSHConfig; unset fields fall back to
// the system-level values.
type SSHConfig struct {
	Username              string   `json:"username,omitempty" yaml:"username,omitempty"`
	KeyFile               string   `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	Password              string   `json:"password,omitempty" yaml:"password,omitempty"`
	Passphrase            string   `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
	UseKeyAuth            bool     `json:"use_key_auth,omitempty" yaml:"use_key_auth,omitempty"`
	KeyRequiresPassphrase bool     `json:"key_requires_passphrase,omitempty" yaml:"key_requires_passphrase,omitempty"`
	Port                  int      `json:"port,omitempty" yaml:"port,omitempty"`
	ConnectionTimeout     Duration `json:"connection_timeout,omitempty" yaml:"connection_timeout,omitempty"`
}

// ComponentConfig is one component (db, app, ...) of a system.
type ComponentConfig struct {
	Type           string     `json:"type" yaml:"type"`
	Hostname       string     `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	InstanceNumber string     `json:"instance_number,omitempty" yaml:"instance_number,omitempty"`
	SSH            *SSHConfig `json:"ssh,omitempty" yaml:"ssh,omitempty"`
}

// Component types.
const (
	ComponentTypeDatabase    = "database"
	ComponentTypeApplication = "application"
)

// AzureConfig describes the cloud side of the landscape.
type AzureConfig struct {
	SubscriptionID       string                       `json:"subscription_id" yaml:"subscription_id"`
	TenantID             string                       `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	ClientID             string                       `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret         string                       `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	DefaultResourceGroup string                       `json:"default_resource_group,omitempty" yaml:"default_resource_group,omitempty"`
	BackupContainerURL   string                       `json:"backup_container_url,omitempty" yaml:"backup_container_url,omitempty"`
	Systems              map[string]AzureSystemConfig `json:"systems,omitempty" yaml:"systems,omitempty"`
}

// AzureSystemConfig maps a SID onto its Azure resource group and VMs.
type AzureSystemConfig struct {
	ResourceGroup string                          `json:"resource_group,omitempty" yaml:"resource_group,omitempty"`
	Components    map[string]AzureComponentConfig `json:"components" yaml:"components"`
}

// AzureComponentConfig is the cloud address of one component.
type AzureComponentConfig struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty"`
	VMName  string `json:"vm_name" yaml:"vm_name"`
	NSGName string `json:"nsg_name,omitempty" yaml:"nsg_name,omitempty"`
}

// AuthConfig holds users, role assignments, and the role-permission table.
// Passwords may be bcrypt hashes or plaintext; plaintext is intended for
// development setups only. When the section is absent the server runs
// unauthenticated and every caller is the anonymous principal.
type AuthConfig struct {
	Users           map[string]string   `json:"users" yaml:"users"`
	UserRoles       map[string][]string `json:"user_roles" yaml:"user_roles"`
	RolePermissions map[string][]string `json:"role_permissions" yaml:"role_permissions"`
	JWTSecret       string              `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`
	TokenTTL        Duration            `json:"token_ttl,omitempty" yaml:"token_ttl,omitempty"`
}

// HANAConfig holds per-system SQL endpoints for the HANA diagnostic queries.
type HANAConfig struct {
	Systems map[string]HANAEndpointConfig `json:"systems" yaml:"systems"`
}

// HANAEndpointConfig is the SQL connection data for one system. Host defaults
// to the hostname of the system's database component. The tenant fields
// describe the tenant database on a multi-container system; each falls back
// to its primary counterpart when unset, so on a single-container system both
// connection classes reach the same database.
type HANAEndpointConfig struct {
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`

	TenantPort     int    `json:"tenant_port,omitempty" yaml:"tenant_port,omitempty"`
	TenantUser     string `json:"tenant_user,omitempty" yaml:"tenant_user,omitempty"`
	TenantPassword string `json:"tenant_password,omitempty" yaml:"tenant_password,omitempty"`
}

// Tenant returns the endpoint's tenant-database connection data, filling
// unset fields from the primary endpoint.
func (e HANAEndpointConfig) Tenant() HANAEndpointConfig {
	t := HANAEndpointConfig{
		Host:     e.Host,
		Port:     e.TenantPort,
		User:     e.TenantUser,
		Password: e.TenantPassword,
	}
	if t.Port == 0 {
		t.Port = e.Port
	}
	if t.User == "" {
		t.User = e.User
	}
	if t.Password == "" {
		t.Password = e.Password
	}
	return t
}

// Queue policies for a locked target.
const (
	QueuePolicyQueue  = "queue"
	QueuePolicyReject = "reject"
)

// DispatchConfig tunes locking, retry, and polling behavior.
type DispatchConfig struct {
	QueueDepth         int      `json:"queue_depth,omitempty" yaml:"queue_depth,omitempty"`
	QueuePolicy        string   `json:"queue_policy,omitempty" yaml:"queue_policy,omitempty"`
	RetryAttempts      int      `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`
	RetryBackoff       Duration `json:"retry_backoff,omitempty" yaml:"retry_backoff,omitempty"`
	RetryMaxBackoff    Duration `json:"retry_max_backoff,omitempty" yaml:"retry_max_backoff,omitempty"`
	OperationTimeout   Duration `json:"operation_timeout,omitempty" yaml:"operation_timeout,omitempty"`
	PollInterval       Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	PollCeiling        Duration `json:"poll_ceiling,omitempty" yaml:"poll_ceiling,omitempty"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty"`
}

// Server transports.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// ServerConfig tunes the MCP front end.
type ServerConfig struct {
	ListenAddr     string        `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
	Transport      string        `json:"transport,omitempty" yaml:"transport,omitempty"`
	MetricsEnabled bool          `json:"metrics_enabled,omitempty" yaml:"metrics_enabled,omitempty"`
	Tracing        TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	AuditLog       string        `json:"audit_log,omitempty" yaml:"audit_log,omitempty"`
}

// TracingConfig enables the OTLP trace exporter.
type TracingConfig struct {
	Enabled    bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Endpoint   string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	SampleRate float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	Insecure   bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// DefaultDispatchConfig returns the dispatch tunables used when the config
// file leaves them unset.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		QueueDepth:       8,
		QueuePolicy:      QueuePolicyQueue,
		RetryAttempts:    2,
		RetryBackoff:     Duration(500 * time.Millisecond),
		RetryMaxBackoff:  Duration(5 * time.Second),
		OperationTimeout: Duration(60 * time.Second),
		PollInterval:     Duration(10 * time.Second),
		PollCeiling:      Duration(300 * time.Second),
	}
}

// DefaultServerConfig returns the server settings used when unset.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8730",
		Transport:  TransportStdio,
		Tracing: TracingConfig{
			Endpoint:   "localhost:4318",
			SampleRate: 1.0,
			Insecure:   true,
		},
	}
}

// LoadFromFile reads and parses a configuration file. The result has
// defaults applied but has not been validated; call Validate before use.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses a configuration document. Unknown fields are
// rejected so typos surface at boot instead of silently dropping settings.
func LoadFromBytes(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultDispatchConfig()
	if c.Dispatch.QueueDepth <= 0 {
		c.Dispatch.QueueDepth = def.QueueDepth
	}
	if c.Dispatch.QueuePolicy == "" {
		c.Dispatch.QueuePolicy = def.QueuePolicy
	}
	if c.Dispatch.RetryAttempts <= 0 {
		c.Dispatch.RetryAttempts = def.RetryAttempts
	}
	if c.Dispatch.RetryBackoff <= 0 {
		c.Dispatch.RetryBackoff = def.RetryBackoff
	}
	if c.Dispatch.RetryMaxBackoff <= 0 {
		c.Dispatch.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if c.Dispatch.OperationTimeout <= 0 {
		c.Dispatch.OperationTimeout = def.OperationTimeout
	}
	if c.Dispatch.PollInterval <= 0 {
		c.Dispatch.PollInterval = def.PollInterval
	}
	if c.Dispatch.PollCeiling <= 0 {
		c.Dispatch.PollCeiling = def.PollCeiling
	}

	sdef := DefaultServerConfig()
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = sdef.ListenAddr
	}
	if c.Server.Transport == "" {
		c.Server.Transport = sdef.Transport
	}
	if c.Server.Tracing.Endpoint == "" {
		c.Server.Tracing.Endpoint = sdef.Tracing.Endpoint
	}
	if c.Server.Tracing.SampleRate <= 0 {
		c.Server.Tracing.SampleRate = sdef.Tracing.SampleRate
	}

	if c.Auth != nil && c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = Duration(8 * time.Hour)
	}

	for id, sys := range c.Landscape.Systems {
		if sys.SSH.Port == 0 {
			sys.SSH.Port = 22
		}
		if sys.SSH.ConnectionTimeout <= 0 {
			sys.SSH.ConnectionTimeout = Duration(30 * time.Second)
		}
		c.Landscape.Systems[id] = sys
	}
}

// EffectiveSSH merges a component-level SSH override onto the system-level
// settings. Set fields on the override win; unset fields keep the system
// values, matching the layered lookup the landscape files use.
func EffectiveSSH(system SSHConfig, override *SSHConfig) SSHConfig {
	if override == nil {
		return system
	}
	merged := system
	if override.Username != "" {
		merged.Username = override.Username
	}
	if override.KeyFile != "" {
		merged.KeyFile = override.KeyFile
	}
	if override.Password != "" {
		merged.Password = override.Password
	}
	if override.Passphrase != "" {
		merged.Passphrase = override.Passphrase
	}
	if override.Port != 0 {
		merged.Port = override.Port
	}
	if override.ConnectionTimeout > 0 {
		merged.ConnectionTimeout = override.ConnectionTimeout
	}
	if override.UseKeyAuth {
		merged.UseKeyAuth = true
	}
	if override.KeyRequiresPassphrase {
		merged.KeyRequiresPassphrase = true
	}
	return merged
}

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("30s", "1m30s") or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs float64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
