package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"leadline/internal/fee"
	"leadline/internal/proposal"
	"leadline/internal/validation"
)

const FileName = "leadline.yml"

// Config models leadline.yml.
type Config struct {
	Ledger struct {
		// Path overrides the ledger database location.
		Path string `yaml:"path,omitempty"`
	} `yaml:"ledger"`
	Drafts    DraftsConfig    `yaml:"drafts"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Fee       FeeConfig       `yaml:"fee"`
	Mail      MailConfig      `yaml:"mail"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty" validate:"omitempty,dive"`
}

type DraftsConfig struct {
	Root      string `yaml:"root" validate:"required"`
	Outbox    string `yaml:"outbox"`
	Archive   string `yaml:"archive" validate:"required"`
	Pattern   string `yaml:"pattern,omitempty"`
	Templates string `yaml:"templates,omitempty"`
}

type LifecycleConfig struct {
	FollowupInterval time.Duration `yaml:"followup_interval" validate:"gt=0"`
	MaxFollowups     int           `yaml:"max_followups" validate:"gte=0"`
	PollInterval     time.Duration `yaml:"poll_interval" validate:"gte=1s"`
	SendTimeout      time.Duration `yaml:"send_timeout" validate:"gt=0"`
}

type FeeConfig struct {
	PricePerVisit float64      `yaml:"price_per_visit" validate:"gt=0"`
	LineItems     []string     `yaml:"line_items" validate:"min=1,dive,required"`
	Rows          []fee.Row    `yaml:"rows,omitempty"`
	Tiers         []TierConfig `yaml:"tiers,omitempty" validate:"omitempty,dive"`
}

// TierConfig is an advisory price band in dollars.
type TierConfig struct {
	Name  string  `yaml:"name" validate:"required"`
	Lower float64 `yaml:"lower" validate:"gte=0"`
	Upper float64 `yaml:"upper" validate:"gtefield=Lower"`
	Note  string  `yaml:"note,omitempty"`
}

type MailConfig struct {
	From     string     `yaml:"from" validate:"omitempty,email"`
	FromName string     `yaml:"from_name,omitempty"`
	CC       []string   `yaml:"cc,omitempty" validate:"omitempty,dive,email"`
	Firm     string     `yaml:"firm"`
	Sender   string     `yaml:"sender"`
	DryRun   bool       `yaml:"dry_run"`
	SMTP     SMTPConfig `yaml:"smtp"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	TLS      string `yaml:"tls" validate:"omitempty,oneof=mandatory opportunistic none"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	File  string `yaml:"file,omitempty"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// WebhookConfig subscribes a URL to ledger history actions.
type WebhookConfig struct {
	URL            string   `yaml:"url" validate:"required,url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" validate:"gte=0"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Active reports whether the webhook should be dispatched.
func (w WebhookConfig) Active() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with leadline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); errors.Is(statErr, os.ErrNotExist) {
		return Default(), nil
	}
	return nil, err
}

// Read decodes the workspace config over the defaults without validating
// it, so that environment overrides can be applied first. A missing file
// yields the defaults.
func Read(workspace string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(workspace))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, t := range c.Fee.Tiers {
		if seen[t.Name] {
			return fmt.Errorf("fee.tiers has duplicate tier %s", t.Name)
		}
		seen[t.Name] = true
	}
	if len(c.Fee.Rows) > 0 {
		if _, err := fee.Compute(fee.Dollars(c.Fee.PricePerVisit), c.Fee.Rows); err != nil {
			return fmt.Errorf("fee.rows: %w", err)
		}
		if _, err := fee.Match(c.Fee.LineItems, c.Fee.Rows); err != nil {
			return fmt.Errorf("fee.rows: %w", err)
		}
	}
	if !c.Mail.DryRun {
		if c.Mail.From == "" {
			return errors.New("mail.from is required unless mail.dry_run is set")
		}
		if c.Mail.SMTP.Host == "" {
			return errors.New("mail.smtp.host is required unless mail.dry_run is set")
		}
	}
	return nil
}

// TierTable converts the configured tiers, falling back to the built-in
// pricing guide.
func (c *Config) TierTable() []fee.Tier {
	if len(c.Fee.Tiers) == 0 {
		return fee.DefaultTiers()
	}
	out := make([]fee.Tier, 0, len(c.Fee.Tiers))
	for _, t := range c.Fee.Tiers {
		out = append(out, fee.Tier{Name: t.Name, Lower: fee.Dollars(t.Lower), Upper: fee.Dollars(t.Upper), Note: t.Note})
	}
	return out
}

// ApplyEnv overrides secrets and deployment paths from the environment.
// getenv is usually os.Getenv after the workspace .env has been loaded.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"LEADLINE_DRAFTS_ROOT":    &c.Drafts.Root,
		"LEADLINE_DRAFTS_ARCHIVE": &c.Drafts.Archive,
		"LEADLINE_MAIL_FROM":      &c.Mail.From,
		"LEADLINE_SMTP_HOST":      &c.Mail.SMTP.Host,
		"LEADLINE_SMTP_USERNAME":  &c.Mail.SMTP.Username,
		"LEADLINE_SMTP_PASSWORD":  &c.Mail.SMTP.Password,
		"LEADLINE_JWT_SECRET":     &c.Server.JWTSecret,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	if v := getenv("LEADLINE_SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEADLINE_SMTP_PORT: %w", err)
		}
		c.Mail.SMTP.Port = port
	}
	return nil
}

// Resolve makes relative paths absolute against workspace.
func (c *Config) Resolve(workspace string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(workspace, p)
	}
	c.Drafts.Root = abs(c.Drafts.Root)
	c.Drafts.Archive = abs(c.Drafts.Archive)
	c.Drafts.Templates = abs(c.Drafts.Templates)
	c.Ledger.Path = abs(c.Ledger.Path)
	c.Log.File = abs(c.Log.File)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	if len(cfg.Fee.LineItems) == 0 {
		cfg.Fee.LineItems = append([]string(nil), proposal.DefaultLineItems...)
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `drafts:
  root: drafts
  outbox: Outbound
  archive: sent
  pattern: "**/*.md"

lifecycle:
  followup_interval: 96h
  max_followups: 1
  poll_interval: 2m
  send_timeout: 30s

fee:
  price_per_visit: 350
  line_items:
    - Underground / Below Slab Inspection
    - Rough-In Inspection
    - Above Ceiling Inspection
    - Final Inspection
  rows:
    - {keyword: rough-in, visits: 1}
    - {keyword: final, visits: 1}
  tiers:
    - {name: key_large, lower: 295, upper: 295, note: "large GC with repeat volume"}
    - {name: regular, lower: 300, upper: 350, note: "established contractor"}
    - {name: small_repeat, lower: 350, upper: 375, note: "small contractor, repeat work"}
    - {name: one_time, lower: 375, upper: 400, note: "one-off project"}

mail:
  from: ""
  from_name: ""
  firm: Building Code Consulting LLC
  sender: ""
  dry_run: true
  smtp:
    host: ""
    port: 587
    tls: mandatory

log:
  level: info

server:
  addr: ":8080"
  base_path: /v0
`
