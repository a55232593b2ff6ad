package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
	"github.com/nextlevelbuilder/chatloom/internal/channels"
	"github.com/nextlevelbuilder/chatloom/internal/channels/discord"
	"github.com/nextlevelbuilder/chatloom/internal/channels/telegram"
	"github.com/nextlevelbuilder/chatloom/internal/channels/web"
	"github.com/nextlevelbuilder/chatloom/internal/config"
	"github.com/nextlevelbuilder/chatloom/internal/pipeline"
	"github.com/nextlevelbuilder/chatloom/internal/providers"
	"github.com/nextlevelbuilder/chatloom/internal/sessions"
	"github.com/nextlevelbuilder/chatloom/internal/store"
	"github.com/nextlevelbuilder/chatloom/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the chat gateway (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func runGateway() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if !cfg.HasAnyProvider() {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			envPath := filepath.Join(filepath.Dir(cfgPath), ".env.local")
			fmt.Println("No AI provider API key found. Did you forget to load your secrets?")
			fmt.Println()
			fmt.Printf("  source %s && ./chatloom\n", envPath)
			fmt.Println()
		} else {
			fmt.Println("No configuration found. Run the setup wizard first:")
			fmt.Println()
			fmt.Println("  ./chatloom onboard")
			fmt.Println()
		}
		return fmt.Errorf("no provider configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing: setup failed, continuing without export", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing: shutdown", "error", err)
		}
	}()

	stores, err := store.Open(ctx, cfg.ToStoreConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer stores.Close()

	provider, err := providers.New(cfg.ToProviderOptions())
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	slog.Info("provider ready", "provider", provider.Name(), "model", provider.DefaultModel())

	msgBus := bus.New(cfg.Gateway.InboundBuffer)
	mgr := channels.NewManager()
	if err := registerChannels(cfg, mgr, msgBus); err != nil {
		return err
	}

	engine := pipeline.New(pipeline.Options{
		Registry:  sessions.NewRegistry(cfg.SessionsPath()),
		Store:     stores.Memory,
		Generator: provider,
		Sender:    mgr,
		Config:    cfg.ToPipelineConfig(),
	})
	sweeper, err := pipeline.NewSweeper(engine, cfg.SweepSchedule())
	if err != nil {
		engine.Close()
		return err
	}

	if err := mgr.StartAll(ctx); err != nil {
		engine.Close()
		return fmt.Errorf("start channels: %w", err)
	}
	slog.Info("chatloom gateway running",
		"version", Version, "store", stores.Driver, "channels", mgr.GetEnabledChannels())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx, msgBus) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, cfg, func(next *config.Config) {
			cfg.ReplaceFrom(next)
			engine.UpdateConfig(cfg.ToPipelineConfig())
		})
		if err != nil {
			slog.Warn("config: hot reload disabled", "error", err)
		}
		return nil
	})
	runErr := g.Wait()

	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.StopAll(sctx); err != nil {
		slog.Warn("channels: stop", "error", err)
	}
	return runErr
}

// registerChannels builds every enabled transport and adds it to mgr.
func registerChannels(cfg *config.Config, mgr *channels.Manager, router bus.MessageRouter) error {
	rpm := cfg.Gateway.RateLimitRPM

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		ch, err := discord.New(cfg.Channels.Discord, router)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		ch.SetLimiter(channels.NewSenderLimiter(rpm))
		mgr.RegisterChannel(ch.Name(), ch)
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		ch, err := telegram.New(cfg.Channels.Telegram, router)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		ch.SetLimiter(channels.NewSenderLimiter(rpm))
		mgr.RegisterChannel(ch.Name(), ch)
	}

	if cfg.Channels.Web.Enabled {
		ch := web.New(cfg.Channels.Web, router)
		ch.SetLimiter(channels.NewSenderLimiter(rpm))
		mgr.RegisterChannel(ch.Name(), ch)
	}
	return nil
}
