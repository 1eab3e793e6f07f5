// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/joho/godotenv"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/teams-mattermost-bridge/pkg/bridgestore"
	"github.com/aiku/teams-mattermost-bridge/pkg/msgraph"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	DefaultTopic                = "Mattermost chat"
	defaultListenAddr           = ":29320"
	defaultGhostPrefix          = "teams_"
	defaultRenewalInterval      = 30 * time.Minute
	defaultSubscriptionLifetime = 55 * time.Minute
	defaultResyncDebounce       = time.Minute
	defaultUploadFolder         = "Mattermost Files"
)

// Config is the bridge configuration file.
type Config struct {
	Mattermost MattermostConfig   `yaml:"mattermost"`
	Teams      TeamsConfig        `yaml:"teams"`
	Bridge     BridgeConfig       `yaml:"bridge"`
	Store      bridgestore.Config `yaml:"store"`
	Logging    zeroconfig.Config  `yaml:"logging"`
}

// MattermostConfig configures the local side.
type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	// SiteURL is used for permalinks. Defaults to ServerURL.
	SiteURL  string `yaml:"site_url"`
	BotToken string `yaml:"bot_token"`
	// TeamID is the team ghosts are added to so they can be found in DMs.
	TeamID           string `yaml:"team_id"`
	GhostPrefix      string `yaml:"ghost_prefix"`
	GhostEmailDomain string `yaml:"ghost_email_domain"`

	DisplaynameTemplate string `yaml:"displayname_template"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// TeamsConfig configures the Azure AD application and Graph access.
type TeamsConfig struct {
	TenantID     string        `yaml:"tenant_id"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	GraphURL     string        `yaml:"graph_url"`
	AuthorityURL string        `yaml:"authority_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	UploadFolder string        `yaml:"upload_folder"`
}

// BridgeConfig configures the relay itself.
type BridgeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// PublicURL is where Graph and browsers reach ListenAddr.
	PublicURL string `yaml:"public_url"`
	// WebhookSecret keys clientState and OAuth state hashes.
	WebhookSecret string `yaml:"webhook_secret"`
	// AdminSecret protects /api/resync-delegates. Empty disables the endpoint.
	AdminSecret string `yaml:"admin_secret"`

	RenewalInterval      time.Duration `yaml:"renewal_interval"`
	SubscriptionLifetime time.Duration `yaml:"subscription_lifetime"`
	ResyncDebounce       time.Duration `yaml:"resync_debounce"`
	DefaultTopic         string        `yaml:"default_topic"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username  string
	Nickname  string
	FirstName string
	LastName  string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess applies defaults and validates required settings.
func (c *Config) PostProcess() error {
	mm := &c.Mattermost
	mm.ServerURL = strings.TrimRight(mm.ServerURL, "/")
	if mm.SiteURL == "" {
		mm.SiteURL = mm.ServerURL
	}
	mm.SiteURL = strings.TrimRight(mm.SiteURL, "/")
	if mm.GhostPrefix == "" {
		mm.GhostPrefix = defaultGhostPrefix
	}
	if mm.GhostEmailDomain == "" {
		mm.GhostEmailDomain = "teams.invalid"
	}
	var err error
	mm.displaynameTemplate, err = template.New("displayname").Parse(mm.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse displayname template: %w", err)
	}

	if c.Teams.UploadFolder == "" {
		c.Teams.UploadFolder = defaultUploadFolder
	}

	br := &c.Bridge
	br.PublicURL = strings.TrimRight(br.PublicURL, "/")
	if br.ListenAddr == "" {
		br.ListenAddr = defaultListenAddr
	}
	if br.RenewalInterval <= 0 {
		br.RenewalInterval = defaultRenewalInterval
	}
	if br.SubscriptionLifetime <= 0 {
		br.SubscriptionLifetime = defaultSubscriptionLifetime
	}
	if br.ResyncDebounce <= 0 {
		br.ResyncDebounce = defaultResyncDebounce
	}
	if br.DefaultTopic == "" {
		br.DefaultTopic = DefaultTopic
	}

	var missing []string
	for _, required := range []struct{ name, value string }{
		{"mattermost.server_url", mm.ServerURL},
		{"teams.tenant_id", c.Teams.TenantID},
		{"teams.client_id", c.Teams.ClientID},
		{"bridge.public_url", br.PublicURL},
		{"bridge.webhook_secret", br.WebhookSecret},
	} {
		if required.value == "" {
			missing = append(missing, required.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// GraphConfig returns the msgraph client settings.
func (c *Config) GraphConfig() msgraph.Config {
	return msgraph.Config{
		TenantID:     c.Teams.TenantID,
		ClientID:     c.Teams.ClientID,
		ClientSecret: c.Teams.ClientSecret,
		RedirectURL:  c.Bridge.PublicURL + oauthRedirectPath,
		BaseURL:      c.Teams.GraphURL,
		AuthorityURL: c.Teams.AuthorityURL,
		Timeout:      c.Teams.Timeout,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "site_url")
	helper.Copy(up.Str, "mattermost", "bot_token")
	helper.Copy(up.Str, "mattermost", "team_id")
	helper.Copy(up.Str, "mattermost", "ghost_prefix")
	helper.Copy(up.Str, "mattermost", "ghost_email_domain")
	helper.Copy(up.Str, "mattermost", "displayname_template")

	helper.Copy(up.Str, "teams", "tenant_id")
	helper.Copy(up.Str, "teams", "client_id")
	helper.Copy(up.Str, "teams", "client_secret")
	helper.Copy(up.Str, "teams", "graph_url")
	helper.Copy(up.Str, "teams", "authority_url")
	helper.Copy(up.Str, "teams", "timeout")
	helper.Copy(up.Int, "teams", "max_retries")
	helper.Copy(up.Str, "teams", "upload_folder")

	helper.Copy(up.Str, "bridge", "listen_addr")
	helper.Copy(up.Str, "bridge", "public_url")
	helper.Copy(up.Str, "bridge", "webhook_secret")
	helper.Copy(up.Str, "bridge", "admin_secret")
	helper.Copy(up.Str, "bridge", "renewal_interval")
	helper.Copy(up.Str, "bridge", "subscription_lifetime")
	helper.Copy(up.Str, "bridge", "resync_debounce")
	helper.Copy(up.Str, "bridge", "default_topic")

	helper.Copy(up.Str, "store", "type")
	helper.Copy(up.Str, "store", "uri")
	helper.Copy(up.Str, "store", "prefix")

	helper.Copy(up.Map, "logging")
}

// Upgrader returns the config upgrader seeded with the example config.
func Upgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	}
}

// LoadConfig upgrades the file at path in place, loads a .env file if present,
// expands ${VAR} references and parses the result.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	data, _, err := up.Do(path, true, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses config YAML after expanding environment variables.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FormatDisplayname generates a display name from the template and params.
func (c *MattermostConfig) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Username
	}
	var buf []byte
	err := c.displaynameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil || len(strings.TrimSpace(string(buf))) == 0 {
		return params.Username
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
