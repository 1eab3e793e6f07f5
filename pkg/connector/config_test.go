// Copyright 2024-2026 Aiku AI

package connector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

const minimalConfig = `
mattermost:
    server_url: http://mm.local:8065/
teams:
    tenant_id: tenant
    client_id: client
bridge:
    public_url: https://bridge.example/
    webhook_secret: s3cret
`

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	checks := []struct {
		name      string
		got, want any
	}{
		{"server_url", cfg.Mattermost.ServerURL, "http://mm.local:8065"},
		{"site_url", cfg.Mattermost.SiteURL, "http://mm.local:8065"},
		{"ghost_prefix", cfg.Mattermost.GhostPrefix, defaultGhostPrefix},
		{"ghost_email_domain", cfg.Mattermost.GhostEmailDomain, "teams.invalid"},
		{"public_url", cfg.Bridge.PublicURL, "https://bridge.example"},
		{"listen_addr", cfg.Bridge.ListenAddr, defaultListenAddr},
		{"renewal_interval", cfg.Bridge.RenewalInterval, defaultRenewalInterval},
		{"subscription_lifetime", cfg.Bridge.SubscriptionLifetime, defaultSubscriptionLifetime},
		{"resync_debounce", cfg.Bridge.ResyncDebounce, defaultResyncDebounce},
		{"default_topic", cfg.Bridge.DefaultTopic, DefaultTopic},
		{"upload_folder", cfg.Teams.UploadFolder, defaultUploadFolder},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestParseConfigMissingRequired(t *testing.T) {
	t.Parallel()
	_, err := ParseConfig([]byte("mattermost:\n    server_url: http://mm.local\n"))
	if err == nil {
		t.Fatal("ParseConfig should fail without required settings")
	}
	for _, name := range []string{"teams.tenant_id", "teams.client_id", "bridge.public_url", "bridge.webhook_secret"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q should name %s", err, name)
		}
	}
	if strings.Contains(err.Error(), "mattermost.server_url") {
		t.Errorf("error %q names a setting that is present", err)
	}
}

func TestParseConfigDurations(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte(minimalConfig + "    renewal_interval: 5m\n    resync_debounce: 10s\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Bridge.RenewalInterval != 5*time.Minute {
		t.Errorf("renewal_interval: got %v, want 5m", cfg.Bridge.RenewalInterval)
	}
	if cfg.Bridge.ResyncDebounce != 10*time.Second {
		t.Errorf("resync_debounce: got %v, want 10s", cfg.Bridge.ResyncDebounce)
	}
}

func TestParseConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_BRIDGE_SECRET", "from-env")
	cfg, err := ParseConfig([]byte(strings.Replace(minimalConfig, "s3cret", "${TEST_BRIDGE_SECRET}", 1)))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Bridge.WebhookSecret != "from-env" {
		t.Errorf("webhook_secret: got %q, want from-env", cfg.Bridge.WebhookSecret)
	}
}

func TestExampleConfigParses(t *testing.T) {
	for key, value := range map[string]string{
		"MATTERMOST_URL":        "http://mm.local:8065",
		"MATTERMOST_BOT_TOKEN":  "bot",
		"TEAMS_TENANT_ID":       "tenant",
		"TEAMS_CLIENT_ID":       "client",
		"TEAMS_CLIENT_SECRET":   "secret",
		"BRIDGE_PUBLIC_URL":     "https://bridge.example",
		"BRIDGE_WEBHOOK_SECRET": "webhook",
		"BRIDGE_ADMIN_SECRET":   "",
	} {
		t.Setenv(key, value)
	}
	cfg, err := ParseConfig([]byte(ExampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig(ExampleConfig): %v", err)
	}
	if cfg.Store.Type != "sqlite3" {
		t.Errorf("store.type: got %q, want sqlite3", cfg.Store.Type)
	}
	if cfg.Teams.MaxRetries != 3 {
		t.Errorf("teams.max_retries: got %d, want 3", cfg.Teams.MaxRetries)
	}
	if cfg.Teams.Timeout != 30*time.Second {
		t.Errorf("teams.timeout: got %v, want 30s", cfg.Teams.Timeout)
	}
	if got := cfg.GraphConfig().RedirectURL; got != "https://bridge.example/api/oauth/redirect" {
		t.Errorf("redirect URL: got %q", got)
	}
}

func TestLoadConfigUpgradesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Bridge.WebhookSecret != "s3cret" {
		t.Errorf("webhook_secret: got %q, want s3cret", cfg.Bridge.WebhookSecret)
	}
	upgraded, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(upgraded), "subscription_lifetime") {
		t.Error("upgraded file should contain keys from the example config")
	}
}

func TestUpgradeConfig(t *testing.T) {
	t.Parallel()
	var baseNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		t.Fatalf("failed to parse base config: %v", err)
	}
	userCfg := `
mattermost:
    server_url: http://custom:8065
    displayname_template: "{{.Nickname}}"
bridge:
    admin_secret: hunter2
unknown_key: dropped
`
	var cfgNode yaml.Node
	if err := yaml.Unmarshal([]byte(userCfg), &cfgNode); err != nil {
		t.Fatalf("failed to parse user config: %v", err)
	}

	helper := up.NewHelper(&baseNode, &cfgNode)
	upgradeConfig(helper)

	if val, ok := helper.Get(up.Str, "mattermost", "server_url"); !ok || val != "http://custom:8065" {
		t.Errorf("mattermost.server_url after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "mattermost", "displayname_template"); !ok || val != "{{.Nickname}}" {
		t.Errorf("displayname_template after upgrade: got %q, ok=%v", val, ok)
	}
	if val, ok := helper.Get(up.Str, "bridge", "admin_secret"); !ok || val != "hunter2" {
		t.Errorf("bridge.admin_secret after upgrade: got %q, ok=%v", val, ok)
	}
}

func TestConfigPostProcessInvalidTemplate(t *testing.T) {
	t.Parallel()
	cfg := &Config{Mattermost: MattermostConfig{DisplaynameTemplate: "{{.Bad"}}
	if err := cfg.PostProcess(); err == nil || !strings.Contains(err.Error(), "displayname template") {
		t.Errorf("PostProcess: got %v, want template error", err)
	}
}

func TestFormatDisplayname(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		tmpl   string
		params DisplaynameParams
		want   string
	}{
		{
			name:   "nickname only",
			tmpl:   "{{.Nickname}} (MM)",
			params: DisplaynameParams{Nickname: "JohnD"},
			want:   "JohnD (MM)",
		},
		{
			name:   "full name",
			tmpl:   "{{.FirstName}} {{.LastName}}",
			params: DisplaynameParams{FirstName: "John", LastName: "Doe"},
			want:   "John Doe",
		},
		{
			name:   "first non-empty",
			tmpl:   "{{or .Nickname .FirstName .Username}}",
			params: DisplaynameParams{Username: "johnd"},
			want:   "johnd",
		},
		{
			name:   "blank result falls back to username",
			tmpl:   "{{.Nickname}}",
			params: DisplaynameParams{Username: "johnd"},
			want:   "johnd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			full := &Config{Mattermost: MattermostConfig{DisplaynameTemplate: tt.tmpl}}
			// Required settings are missing, but the template is parsed first.
			_ = full.PostProcess()
			got := full.Mattermost.FormatDisplayname(tt.params)
			if got != tt.want {
				t.Errorf("FormatDisplayname: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDisplaynameNilTemplate(t *testing.T) {
	t.Parallel()
	cfg := &MattermostConfig{}
	if got := cfg.FormatDisplayname(DisplaynameParams{Username: "fallback_user"}); got != "fallback_user" {
		t.Errorf("nil template should fall back to Username: got %q", got)
	}
}
