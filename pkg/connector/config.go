// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge configuration.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Database   dbutil.Config    `yaml:"database"`
	// AdminAPIAddr is the listen address of the admin HTTP API that serves
	// link reloads and metrics. Empty disables the admin API.
	AdminAPIAddr string            `yaml:"admin_api_addr"`
	Logging      zeroconfig.Config `yaml:"logging"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

type AppServiceConfig struct {
	Address          string `yaml:"address"`
	ListenAddress    string `yaml:"listen_address"`
	ID               string `yaml:"id"`
	RegistrationPath string `yaml:"registration"`
	BotLocalpart     string `yaml:"bot_localpart"`
	ASToken          string `yaml:"as_token"`
	HSToken          string `yaml:"hs_token"`
}

type TelegramConfig struct {
	BotToken     string `yaml:"bot_token"`
	APIEndpoint  string `yaml:"api_endpoint"`
	FileEndpoint string `yaml:"file_endpoint"`
	PollTimeout  int    `yaml:"poll_timeout"`
}

type BridgeConfig struct {
	GhostPrefix         string `yaml:"ghost_prefix"`
	AliasPrefix         string `yaml:"alias_prefix"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	SuppressMembership  bool   `yaml:"suppress_membership"`
	// MaxEventAge is the staleness threshold for Matrix events in seconds.
	MaxEventAge int                 `yaml:"max_event_age"`
	Chats       []PreconfiguredChat `yaml:"chats"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// PreconfiguredChat is a Telegram chat the bridge is allowed to create a room
// for. RoomID optionally links it to an existing room on startup.
type PreconfiguredChat struct {
	ChatID int64     `yaml:"chat_id" json:"chat_id"`
	RoomID id.RoomID `yaml:"room_id,omitempty" json:"room_id,omitempty"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config, fills defaults and compiles templates.
func (c *Config) PostProcess() error {
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.Bridge.GhostPrefix == "" {
		c.Bridge.GhostPrefix = "telegram_"
	}
	if c.Bridge.AliasPrefix == "" {
		c.Bridge.AliasPrefix = "telegram_"
	}
	if c.AppService.BotLocalpart == "" {
		c.AppService.BotLocalpart = "telegrambot"
	}
	if strings.HasPrefix(c.AppService.BotLocalpart, c.Bridge.GhostPrefix) {
		return fmt.Errorf("appservice.bot_localpart must not start with bridge.ghost_prefix")
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = 60
	}
	return c.Bridge.PostProcess()
}

func (bc *BridgeConfig) PostProcess() error {
	var err error
	bc.displaynameTemplate, err = template.New("displayname").Parse(bc.DisplaynameTemplate)
	return err
}

// MaxEventAgeDuration returns the staleness threshold, or 0 if disabled.
func (bc *BridgeConfig) MaxEventAgeDuration() time.Duration {
	if bc.MaxEventAge <= 0 {
		return 0
	}
	return time.Duration(bc.MaxEventAge) * time.Second
}

// FormatDisplayname generates a ghost display name from the template.
func (bc *BridgeConfig) FormatDisplayname(params DisplaynameParams) string {
	fallback := strings.TrimSpace(params.FirstName + " " + params.LastName)
	if fallback == "" {
		fallback = params.Username
	}
	if bc.displaynameTemplate == nil {
		return fallback
	}
	var buf strings.Builder
	if err := bc.displaynameTemplate.Execute(&buf, params); err != nil {
		return fallback
	}
	return buf.String()
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")

	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "listen_address")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "registration")
	helper.Copy(up.Str, "appservice", "bot_localpart")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")

	helper.Copy(up.Str, "telegram", "bot_token")
	helper.Copy(up.Str, "telegram", "api_endpoint")
	helper.Copy(up.Str, "telegram", "file_endpoint")
	helper.Copy(up.Int, "telegram", "poll_timeout")

	helper.Copy(up.Str, "bridge", "ghost_prefix")
	helper.Copy(up.Str, "bridge", "alias_prefix")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Bool, "bridge", "suppress_membership")
	helper.Copy(up.Int, "bridge", "max_event_age")
	helper.Copy(up.List, "bridge", "chats")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "conn_max_idle_time")
	helper.Copy(up.Str|up.Null, "database", "conn_max_lifetime")

	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}

// Upgrader returns the config upgrader that merges an existing config into
// the current example config.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"appservice"},
			{"telegram"},
			{"bridge"},
			{"database"},
			{"admin_api_addr"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// LoadConfig reads the config at path, upgrading it against the example
// config first. The upgraded config is written back when save is set.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
