// Package config loads the gotbills configuration from a YAML file and
// GOTBILLS_* environment variables.
package config

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/matta/gotbills/internal/homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const envPrefix = "GOTBILLS"

// Gmail caps a watch at seven days.
const maxWatchLifetime = 7 * 24 * time.Hour

type DatabaseConfig struct {
	// SQLite file holding the watch records.
	Path string `mapstructure:"path"`
}

type BlobConfig struct {
	// "dir" or "gcs".
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

type GmailConfig struct {
	// Full Pub/Sub topic name, projects/<project>/topics/<topic>.
	Topic          string        `mapstructure:"topic"`
	LabelIDs       []string      `mapstructure:"label_ids"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

type OAuthConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// Config returns the OAuth client used to refresh account tokens.
func (c OAuthConfig) Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       c.Scopes,
		Endpoint:     google.Endpoint,
	}
}

type KeyringConfig struct {
	Service string `mapstructure:"service"`

	// Allowed keyring backends; empty allows every available one.
	Backends []string `mapstructure:"backends"`
	FileDir  string   `mapstructure:"file_dir"`
	Password string   `mapstructure:"password"`
}

type RenewConfig struct {
	// Renew a watch when less than Margin of it remains.
	Margin      time.Duration `mapstructure:"margin"`
	Concurrency int           `mapstructure:"concurrency"`
}

type ResolveConfig struct {
	ResyncLookback    time.Duration `mapstructure:"resync_lookback"`
	ConflictRetries   int           `mapstructure:"conflict_retries"`
	InvocationTimeout time.Duration `mapstructure:"invocation_timeout"`
}

type FilterConfig struct {
	Senders      []string `mapstructure:"senders"`
	ContentTypes []string `mapstructure:"content_types"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config is the top-level configuration.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Database DatabaseConfig `mapstructure:"database"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Gmail    GmailConfig    `mapstructure:"gmail"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	Keyring  KeyringConfig  `mapstructure:"keyring"`
	Renew    RenewConfig    `mapstructure:"renew"`
	Resolve  ResolveConfig  `mapstructure:"resolve"`
	Filter   FilterConfig   `mapstructure:"filter"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

// DefaultPath is where the configuration is read from when no path is
// given.
func DefaultPath() string {
	return filepath.Join(homedir.Get(), ".gotbills", "config.yaml")
}

// Every key needs a default so that AutomaticEnv can override it
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("database.path", "~/.gotbills/cursors.db")
	v.SetDefault("blob.driver", "dir")
	v.SetDefault("blob.dir", "~/.gotbills/artifacts")
	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.prefix", "artifacts/")
	v.SetDefault("gmail.topic", "")
	v.SetDefault("gmail.label_ids", []string{"INBOX"})
	v.SetDefault("gmail.request_timeout", 30*time.Second)
	v.SetDefault("gmail.max_attempts", 4)
	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.scopes", []string{"https://www.googleapis.com/auth/gmail.readonly"})
	v.SetDefault("keyring.service", "gotbills")
	v.SetDefault("keyring.backends", []string{})
	v.SetDefault("keyring.file_dir", "~/.gotbills/keyring")
	v.SetDefault("keyring.password", "")
	v.SetDefault("renew.margin", 48*time.Hour)
	v.SetDefault("renew.concurrency", 4)
	v.SetDefault("resolve.resync_lookback", 72*time.Hour)
	v.SetDefault("resolve.conflict_retries", 3)
	v.SetDefault("resolve.invocation_timeout", 5*time.Minute)
	v.SetDefault("filter.senders", []string{})
	v.SetDefault("filter.content_types", []string{"application/pdf"})
	v.SetDefault("http.addr", ":8080")
}

// Load reads the configuration at path.  With an empty path the
// default file is used and may be absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(homedir.Expand(path))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var pathErr *fs.PathError
		if explicit || !errors.As(err, &pathErr) {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	cfg.Database.Path = homedir.Expand(cfg.Database.Path)
	cfg.Blob.Dir = homedir.Expand(cfg.Blob.Dir)
	cfg.Keyring.FileDir = homedir.Expand(cfg.Keyring.FileDir)
	return &cfg, nil
}

// Validate checks what the notification and renewal pipelines need.
func (c *Config) Validate() error {
	switch c.Blob.Driver {
	case "dir":
		if c.Blob.Dir == "" {
			return errors.New("blob.dir is required by the dir driver")
		}
	case "gcs":
		if c.Blob.Bucket == "" {
			return errors.New("blob.bucket is required by the gcs driver")
		}
	default:
		return errors.Errorf("unknown blob.driver %q", c.Blob.Driver)
	}
	if !strings.HasPrefix(c.Gmail.Topic, "projects/") || !strings.Contains(c.Gmail.Topic, "/topics/") {
		return errors.Errorf("gmail.topic %q is not a full Pub/Sub topic name", c.Gmail.Topic)
	}
	if c.Gmail.MaxAttempts < 1 {
		return errors.New("gmail.max_attempts must be at least 1")
	}
	if len(c.Filter.Senders) == 0 {
		return errors.New("filter.senders must not be empty")
	}
	if len(c.Filter.ContentTypes) == 0 {
		return errors.New("filter.content_types must not be empty")
	}
	if c.Renew.Margin <= 0 || c.Renew.Margin >= maxWatchLifetime {
		return errors.Errorf("renew.margin %v must be between 0 and %v", c.Renew.Margin, maxWatchLifetime)
	}
	if c.Resolve.ResyncLookback <= 0 {
		return errors.New("resolve.resync_lookback must be positive")
	}
	if c.Resolve.InvocationTimeout <= 0 {
		return errors.New("resolve.invocation_timeout must be positive")
	}
	if c.Resolve.ConflictRetries < 0 {
		return errors.New("resolve.conflict_retries must not be negative")
	}
	return nil
}
