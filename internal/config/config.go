// Package config loads the bridge configuration: built-in defaults, then an
// optional YAML or JSONC file, then environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MiB in bytes.
const defaultMaxMessageSize = 25 * units.MiB

// Config holds the complete application configuration.
type Config struct {
	SMTP      SMTPConfig    `yaml:"smtp" json:"smtp"`
	Matrix    MatrixConfig  `yaml:"matrix" json:"matrix"`
	Web       WebConfig     `yaml:"web" json:"web"`
	Mail      MailConfig    `yaml:"mail" json:"mail"`
	Storage   StorageConfig `yaml:"storage" json:"storage"`
	TLS       TLSConfig     `yaml:"tls" json:"tls"`
	Logging   LoggingConfig `yaml:"logging" json:"logging"`
	Notify    NotifyConfig  `yaml:"notify" json:"notify"`
	Transport string        `yaml:"transport" json:"transport"`

	// CustomMailTargets maps an email address to room ids.
	CustomMailTargets map[string][]string `yaml:"customMailTargets" json:"customMailTargets"`

	// DefaultRoomConfig and RoomConfigs are kept as raw trees; they are
	// merged per room at lookup time.
	DefaultRoomConfig map[string]any            `yaml:"defaultRoomConfig" json:"defaultRoomConfig"`
	RoomConfigs       map[string]map[string]any `yaml:"roomConfigs" json:"roomConfigs"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen" json:"listen"`
	Hostname       string `yaml:"hostname" json:"hostname"`
	Username       string `yaml:"username" json:"username"`
	Password       string `yaml:"password" json:"password"`
	MaxMessageSize Size   `yaml:"max_message_size" json:"max_message_size"`
	MaxRecipients  int    `yaml:"max_recipients" json:"max_recipients"`
	VerifySPF      bool   `yaml:"verify_spf" json:"verify_spf"`
	VerifyDKIM     bool   `yaml:"verify_dkim" json:"verify_dkim"`
}

// MatrixConfig holds the bridge account on the homeserver.
type MatrixConfig struct {
	HomeserverURL string `yaml:"homeserver_url" json:"homeserver_url"`
	UserID        string `yaml:"user_id" json:"user_id"`
	AccessToken   string `yaml:"access_token" json:"access_token"`
	AutoJoin      bool   `yaml:"auto_join" json:"auto_join"`
}

// WebConfig holds the HTTP surface configuration.
type WebConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	Secret string `yaml:"secret" json:"secret"`
}

// MailConfig holds the mail domain whose local parts encode room ids.
type MailConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Domain  string `yaml:"domain" json:"domain"`
	// TrustedAuthServIDs lists the servers whose Authentication-Results
	// headers are believed. Headers from other servers are ignored.
	TrustedAuthServIDs []string `yaml:"trusted_authserv_ids" json:"trusted_authserv_ids"`
}

// StorageConfig holds the message store locations.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path" json:"database_path"`
	AttachmentsPath string `yaml:"attachments_path" json:"attachments_path"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level           string `yaml:"level" json:"level"`
	RedactAddresses bool   `yaml:"redact_addresses" json:"redact_addresses"`
}

// NotifyConfig selects the backend for rejection notices. An empty
// provider disables notices.
type NotifyConfig struct {
	Provider string      `yaml:"provider" json:"provider"`
	Sender   string      `yaml:"sender" json:"sender"`
	SES      SESConfig   `yaml:"ses" json:"ses"`
	Graph    GraphConfig `yaml:"graph" json:"graph"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region" json:"region"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id" json:"tenant_id"`
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
}

// Size is a byte count that accepts human units such as "25MB" or "512k".
// Units are binary, so "25MB" is 25 MiB.
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	return s.set(node.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Size) UnmarshalJSON(data []byte) error {
	v := string(data)
	if unquoted, err := strconv.Unquote(v); err == nil {
		v = unquoted
	}
	return s.set(v)
}

func (s *Size) set(v string) error {
	n, err := units.RAMInBytes(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", v, err)
	}
	*s = Size(n)
	return nil
}

// String formats the size with binary units.
func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	cfg.fillRoomDefaults()
	return cfg, nil
}

// LoadFromFile loads configuration from a file as the base layer, then
// overrides it with environment variables. Files ending in .json or .jsonc
// are read as JSON with comments and trailing commas allowed; anything else
// is read as YAML.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override file values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	cfg.fillRoomDefaults()
	return cfg, nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// Validate reports every missing or inconsistent value at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case "matrix":
		if c.Matrix.HomeserverURL == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			errs = append(errs, errors.New("matrix transport requires matrix.homeserver_url, matrix.user_id and matrix.access_token"))
		}
	case "stdout":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	if c.Mail.Enabled && c.Mail.Domain == "" {
		errs = append(errs, errors.New("mail.domain is required when mail is enabled"))
	}
	if c.Storage.DatabasePath == "" || c.Storage.AttachmentsPath == "" {
		errs = append(errs, errors.New("storage.database_path and storage.attachments_path are required"))
	}
	if (c.SMTP.Username == "") != (c.SMTP.Password == "") {
		errs = append(errs, errors.New("smtp.username and smtp.password must be set together"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}

	switch c.Notify.Provider {
	case "":
	case "ses":
		if c.Notify.SES.Region == "" || c.Notify.Sender == "" {
			errs = append(errs, errors.New("ses notices require notify.ses.region and notify.sender"))
		}
	case "graph":
		g := c.Notify.Graph
		if g.TenantID == "" || g.ClientID == "" || g.ClientSecret == "" || c.Notify.Sender == "" {
			errs = append(errs, errors.New("graph notices require notify.graph.tenant_id, client_id, client_secret and notify.sender"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notify.provider %q", c.Notify.Provider))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 50
	c.SMTP.VerifySPF = true
	c.SMTP.VerifyDKIM = true
	c.Matrix.AutoJoin = true
	c.Web.Listen = ":8080"
	c.Mail.Enabled = true
	c.Storage.DatabasePath = "data/bridge.db"
	c.Storage.AttachmentsPath = "data/attachments"
	c.Transport = "matrix"
	c.Logging.Level = "info"
}

// fillRoomDefaults installs the built-in default room configuration when
// none was configured.
func (c *Config) fillRoomDefaults() {
	if c.DefaultRoomConfig == nil {
		c.DefaultRoomConfig = DefaultRoomConfig()
	}
}

// DefaultRoomConfig returns the room configuration used when the file
// defines none. Rooms still need an entry in roomConfigs to receive mail.
func DefaultRoomConfig() map[string]any {
	return map[string]any{
		"allowFromAnyone":       false,
		"allowedSenders":        []any{},
		"blockedSenders":        []any{},
		"skipDatabase":          false,
		"useToAsTarget":         true,
		"useCcAsTarget":         true,
		"useBccAsTarget":        true,
		"useEnvelopeToAsTarget": true,
		"plaintextOnly":         false,
		"postReplies":           false,
		"rejectionNotice":       false,
		"attachments": map[string]any{
			"post":           true,
			"allowAllTypes":  true,
			"allowedTypes":   []any{},
			"blockedTypes":   []any{},
			"contentMapping": map[string]any{},
		},
		"messageFormat":       "<h4>$subject</h4><h6>$from_name &lt;$from_email&gt;</h6><hr>$html_body",
		"messagePlainFormat":  "$subject\n$from_name <$from_email>\n\n$text_body",
		"fragmentFormat":      "$html_body",
		"fragmentPlainFormat": "$text_body",
	}
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	strs := []struct {
		env string
		dst *string
	}{
		{"SMTP_LISTEN", &c.SMTP.Listen},
		{"SMTP_HOSTNAME", &c.SMTP.Hostname},
		{"SMTP_USERNAME", &c.SMTP.Username},
		{"SMTP_PASSWORD", &c.SMTP.Password},
		{"MATRIX_HOMESERVER_URL", &c.Matrix.HomeserverURL},
		{"MATRIX_USER_ID", &c.Matrix.UserID},
		{"MATRIX_ACCESS_TOKEN", &c.Matrix.AccessToken},
		{"WEB_LISTEN", &c.Web.Listen},
		{"WEB_SECRET", &c.Web.Secret},
		{"MAIL_DOMAIN", &c.Mail.Domain},
		{"STORAGE_DATABASE_PATH", &c.Storage.DatabasePath},
		{"STORAGE_ATTACHMENTS_PATH", &c.Storage.AttachmentsPath},
		{"TLS_CERT_FILE", &c.TLS.CertFile},
		{"TLS_KEY_FILE", &c.TLS.KeyFile},
		{"TRANSPORT", &c.Transport},
		{"NOTIFY_PROVIDER", &c.Notify.Provider},
		{"NOTIFY_SENDER", &c.Notify.Sender},
		{"SES_REGION", &c.Notify.SES.Region},
		{"SES_ACCESS_KEY_ID", &c.Notify.SES.AccessKeyID},
		{"SES_SECRET_ACCESS_KEY", &c.Notify.SES.SecretAccessKey},
		{"GRAPH_TENANT_ID", &c.Notify.Graph.TenantID},
		{"GRAPH_CLIENT_ID", &c.Notify.Graph.ClientID},
		{"GRAPH_CLIENT_SECRET", &c.Notify.Graph.ClientSecret},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}

	if v := os.Getenv("MAIL_TRUSTED_AUTHSERV_IDS"); v != "" {
		c.Mail.TrustedAuthServIDs = nil
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.Mail.TrustedAuthServIDs = append(c.Mail.TrustedAuthServIDs, id)
			}
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if err := c.SMTP.MaxMessageSize.set(v); err != nil {
			return fmt.Errorf("SMTP_MAX_MESSAGE_SIZE: %w", err)
		}
	}

	bools := []struct {
		env string
		dst *bool
	}{
		{"SMTP_VERIFY_SPF", &c.SMTP.VerifySPF},
		{"SMTP_VERIFY_DKIM", &c.SMTP.VerifyDKIM},
		{"MATRIX_AUTO_JOIN", &c.Matrix.AutoJoin},
		{"MAIL_ENABLED", &c.Mail.Enabled},
		{"LOG_REDACT_ADDRESSES", &c.Logging.RedactAddresses},
	}
	for _, b := range bools {
		v := os.Getenv(b.env)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", b.env, v)
		}
		*b.dst = parsed
	}
	return nil
}
