// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	CommandPrefix string            `yaml:"command_prefix"`
	ProjectPath   string            `yaml:"project_path"`
	Agent         AgentConfig       `yaml:"agent"`
	Platforms     PlatformsConfig   `yaml:"platforms"`
	Mobile        MobileConfig      `yaml:"mobile"`
	Permissions   PermissionsConfig `yaml:"permissions"`
}

// AgentConfig describes how to launch the coding agent process.
type AgentConfig struct {
	Command        string   `yaml:"command"` // defaults to "claude"
	Args           []string `yaml:"args"`
	ConversationID string   `yaml:"conversation_id"` // resume an existing conversation
}

// PlatformsConfig holds one entry per supported chat platform.
type PlatformsConfig struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
	Feishu   FeishuConfig   `yaml:"feishu"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AppToken  string `yaml:"app_token"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// FeishuConfig holds Feishu bot app credentials.
type FeishuConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
	ChatID    string `yaml:"chat_id"`
	BaseURL   string `yaml:"base_url"` // defaults to the public Feishu endpoint
}

// WhatsAppConfig holds WhatsApp Cloud API credentials.
type WhatsAppConfig struct {
	Enabled       bool   `yaml:"enabled"`
	AccessToken   string `yaml:"access_token"`
	PhoneNumberID string `yaml:"phone_number_id"`
	RecipientID   string `yaml:"recipient_id"`
	BaseURL       string `yaml:"base_url"` // defaults to the Graph API endpoint
}

// MobileConfig holds settings for the mobile WebSocket server.
type MobileConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Listen   string `yaml:"listen"`   // host:port, defaults to 127.0.0.1:8356
	Password string `yaml:"password"` // empty disables the auth password check
}

// PermissionsConfig controls the tool-approval gate.
type PermissionsConfig struct {
	TimeoutSec     int      `yaml:"timeout_sec"`     // defaults to 300 (5 minutes)
	SweepCron      string   `yaml:"sweep_cron"`      // 5-field cron, defaults to every minute
	SensitiveTools []string `yaml:"sensitive_tools"` // tool names that require approval
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.CommandPrefix == "" {
		c.CommandPrefix = "/"
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "claude"
	}
	if len(c.Agent.Args) == 0 {
		c.Agent.Args = []string{"--input-format", "stream-json", "--output-format", "stream-json"}
	}
	if c.Mobile.Listen == "" {
		c.Mobile.Listen = "127.0.0.1:8356"
	}
	if c.Permissions.TimeoutSec == 0 {
		c.Permissions.TimeoutSec = 300
	}
	if c.Permissions.SweepCron == "" {
		c.Permissions.SweepCron = "* * * * *"
	}
	if c.Platforms.Feishu.BaseURL == "" {
		c.Platforms.Feishu.BaseURL = "https://open.feishu.cn"
	}
	if c.Platforms.WhatsApp.BaseURL == "" {
		c.Platforms.WhatsApp.BaseURL = "https://graph.facebook.com/v19.0"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Platforms.Discord.Enabled && c.Platforms.Discord.BotToken == "" {
		errs = append(errs, "platforms.discord.bot_token is required when discord is enabled")
	}
	if c.Platforms.Slack.Enabled {
		if c.Platforms.Slack.AppToken == "" {
			errs = append(errs, "platforms.slack.app_token is required when slack is enabled")
		}
		if c.Platforms.Slack.BotToken == "" {
			errs = append(errs, "platforms.slack.bot_token is required when slack is enabled")
		}
	}
	if c.Platforms.Feishu.Enabled {
		if c.Platforms.Feishu.AppID == "" || c.Platforms.Feishu.AppSecret == "" {
			errs = append(errs, "platforms.feishu.app_id and app_secret are required when feishu is enabled")
		}
	}
	if c.Platforms.WhatsApp.Enabled && c.Platforms.WhatsApp.AccessToken == "" {
		errs = append(errs, "platforms.whatsapp.access_token is required when whatsapp is enabled")
	}
	if c.Permissions.TimeoutSec < 0 {
		errs = append(errs, "permissions.timeout_sec must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
