// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/cordbridge/pkg/cache"
	"github.com/aiku/cordbridge/pkg/discord"
	"github.com/aiku/cordbridge/pkg/gateway"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge configuration.
type Config struct {
	Token      string `yaml:"token"`
	APIURL     string `yaml:"api_url"`
	GatewayURL string `yaml:"gateway_url"`
	Intents    int    `yaml:"intents"`
	Compress   bool   `yaml:"compress"`

	// Autojoin lists channels to open after connecting, as "guild/channel".
	Autojoin          []string `yaml:"autojoin"`
	AutojoinDMs       bool     `yaml:"autojoin_dms"`
	MessageFetchCount int      `yaml:"message_fetch_count"`

	SequencePolicy         gateway.SequencePolicy `yaml:"sequence_policy"`
	ReorderWindow          int                    `yaml:"reorder_window"`
	ProtocolErrorThreshold int                    `yaml:"protocol_error_threshold"`
	HandshakeTimeout       time.Duration          `yaml:"handshake_timeout"`

	RESTTimeout    time.Duration `yaml:"rest_timeout"`
	RESTMaxRetries int           `yaml:"rest_max_retries"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	MessageWindow  int           `yaml:"message_window"`

	NickColors   bool `yaml:"nick_colors"`
	ShowPresence bool `yaml:"show_presence"`

	// IgnoreUsers hides messages from these usernames or user ids.
	IgnoreUsers []string `yaml:"ignore_users"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig selects the log level and the optional rotating log file.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and fills in defaults.
func (c *Config) PostProcess() error {
	switch c.SequencePolicy {
	case "":
		c.SequencePolicy = gateway.SequenceDrop
	case gateway.SequenceDrop, gateway.SequenceReorder:
	default:
		return fmt.Errorf("invalid sequence_policy %q", c.SequencePolicy)
	}
	for _, entry := range c.Autojoin {
		if _, _, ok := splitChannelPath(entry); !ok {
			return fmt.Errorf("invalid autojoin entry %q, expected guild/channel", entry)
		}
	}
	if c.MessageFetchCount < 0 {
		c.MessageFetchCount = 0
	}
	if c.MessageFetchCount > 100 {
		c.MessageFetchCount = 100
	}
	c.IgnoreUsers = slices.DeleteFunc(c.IgnoreUsers, func(name string) bool {
		return strings.TrimSpace(name) == ""
	})
	if c.MessageWindow <= 0 {
		c.MessageWindow = cache.DefaultMessageWindow
	}
	return nil
}

func (c *Config) intents() discord.Intents {
	if c.Intents == 0 {
		return discord.IntentsDefault
	}
	return discord.Intents(c.Intents)
}

// splitChannelPath splits "guild/channel". Guild names may contain
// slashes, channel names may not.
func splitChannelPath(path string) (guild, channel string, ok bool) {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 || idx == len(path)-1 {
		return "", "", false
	}
	return path[:idx], path[idx+1:], true
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "token")
	helper.Copy(up.Str, "api_url")
	helper.Copy(up.Str, "gateway_url")
	helper.Copy(up.Int, "intents")
	helper.Copy(up.Bool, "compress")
	helper.Copy(up.List, "autojoin")
	helper.Copy(up.Bool, "autojoin_dms")
	helper.Copy(up.Int, "message_fetch_count")
	helper.Copy(up.Str, "sequence_policy")
	helper.Copy(up.Int, "reorder_window")
	helper.Copy(up.Int, "protocol_error_threshold")
	helper.Copy(up.Str, "handshake_timeout")
	helper.Copy(up.Str, "rest_timeout")
	helper.Copy(up.Int, "rest_max_retries")
	helper.Copy(up.Int, "max_in_flight")
	helper.Copy(up.Int, "message_window")
	helper.Copy(up.Bool, "nick_colors")
	helper.Copy(up.Bool, "show_presence")
	helper.Copy(up.List, "ignore_users")
	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Str, "logging", "file")
}

// Upgrader merges a user config into the example config, keeping the
// example's layout and comments.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"autojoin"},
			{"sequence_policy"},
			{"rest_timeout"},
			{"nick_colors"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// LoadConfig reads and upgrades the config at path. With save set the
// upgraded file is written back. An empty path loads the example config.
func LoadConfig(path string, save bool) (Config, error) {
	data := []byte(ExampleConfig)
	if path != "" {
		var err error
		data, _, err = up.Do(path, save, Upgrader())
		if err != nil {
			return Config{}, err
		}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
