package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/adapter"
	discordadapter "github.com/zulandar/switchboard/internal/adapter/discord"
	feishuadapter "github.com/zulandar/switchboard/internal/adapter/feishu"
	slackadapter "github.com/zulandar/switchboard/internal/adapter/slack"
	whatsappadapter "github.com/zulandar/switchboard/internal/adapter/whatsapp"
	"github.com/zulandar/switchboard/internal/claude"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/mobile"
	"github.com/zulandar/switchboard/internal/relay"
	"github.com/zulandar/switchboard/internal/service"
	"github.com/zulandar/switchboard/internal/store"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon",
		Long:  "Launches the agent process, connects the enabled chat platforms, and serves the mobile WebSocket endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	out := cmd.OutOrStdout()
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	transport, err := claude.StartProcess(ctx, claude.ProcessOpts{
		Command:        cfg.Agent.Command,
		Args:           cfg.Agent.Args,
		Dir:            cfg.ProjectPath,
		ConversationID: cfg.Agent.ConversationID,
	})
	if err != nil {
		return err
	}

	manager := adapter.NewManager(adapter.ManagerOpts{Out: out})
	if err := registerAdapters(manager, cfg); err != nil {
		return err
	}
	if err := manager.Initialize(ctx); err != nil {
		transport.Close()
		return err
	}

	permissions, err := relay.NewPermissionManager(relay.PermissionManagerOpts{
		Timeout:   time.Duration(cfg.Permissions.TimeoutSec) * time.Second,
		SweepCron: cfg.Permissions.SweepCron,
		Transport: transport,
	})
	if err != nil {
		return err
	}
	permissions.Start()

	st, err := store.Open()
	if err != nil {
		return err
	}
	defer st.Close()

	var hub *mobile.Server
	opts := service.Opts{
		Config:      *cfg,
		Transport:   transport,
		Adapters:    manager,
		Permissions: permissions,
		Store:       st,
		Out:         out,
	}

	// The service and mobile server reference each other: the server replays
	// the service's history and routes client frames into it.
	var svc *service.Service
	if cfg.Mobile.Enabled {
		hub = mobile.NewServer(mobile.ServerOpts{
			Password: cfg.Mobile.Password,
			Out:      out,
			History:  func() []mobile.ChatMessage { return svc.History() },
			Callbacks: mobile.ServerCallbacks{
				OnMessage:            func(content string) { svc.HandleMobileMessage(content) },
				OnPermissionResponse: func(d mobile.PermissionResponseData) { svc.HandleMobilePermissionResponse(d) },
				OnSelectConversation: func(id string) { svc.HandleMobileSelectConversation(id) },
			},
		})
		opts.Mobile = hub
	}

	svc, err = service.New(opts)
	if err != nil {
		return err
	}

	if hub != nil {
		go func() {
			if err := hub.Start(ctx, cfg.Mobile.Listen); err != nil {
				fmt.Fprintf(out, "mobile server: %v\n", err)
				cancel()
			}
		}()
	}

	// Shut down on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "received %s, shutting down\n", sig)
		cancel()
	}()

	fmt.Fprintf(out, "switchboard running (project: %s)\n", cfg.ProjectPath)
	runErr := svc.Run(ctx)

	svc.Close()
	manager.Shutdown()
	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	return nil
}

// registerAdapters constructs an adapter for every enabled platform.
func registerAdapters(manager *adapter.Manager, cfg *config.Config) error {
	if cfg.Platforms.Discord.Enabled {
		a, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Platforms.Discord.BotToken,
			ChannelID: cfg.Platforms.Discord.ChannelID,
		})
		if err != nil {
			return err
		}
		if err := manager.Register(a); err != nil {
			return err
		}
	}
	if cfg.Platforms.Slack.Enabled {
		a, err := slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Platforms.Slack.AppToken,
			BotToken:  cfg.Platforms.Slack.BotToken,
			ChannelID: cfg.Platforms.Slack.ChannelID,
		})
		if err != nil {
			return err
		}
		if err := manager.Register(a); err != nil {
			return err
		}
	}
	if cfg.Platforms.Feishu.Enabled {
		a, err := feishuadapter.New(feishuadapter.AdapterOpts{
			AppID:     cfg.Platforms.Feishu.AppID,
			AppSecret: cfg.Platforms.Feishu.AppSecret,
			ChatID:    cfg.Platforms.Feishu.ChatID,
			BaseURL:   cfg.Platforms.Feishu.BaseURL,
		})
		if err != nil {
			return err
		}
		if err := manager.Register(a); err != nil {
			return err
		}
	}
	if cfg.Platforms.WhatsApp.Enabled {
		a, err := whatsappadapter.New(whatsappadapter.AdapterOpts{
			AccessToken:   cfg.Platforms.WhatsApp.AccessToken,
			PhoneNumberID: cfg.Platforms.WhatsApp.PhoneNumberID,
			ChatID:        cfg.Platforms.WhatsApp.RecipientID,
			BaseURL:       cfg.Platforms.WhatsApp.BaseURL,
		})
		if err != nil {
			return err
		}
		if err := manager.Register(a); err != nil {
			return err
		}
	}
	return nil
}
