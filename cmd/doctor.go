package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatloom/internal/config"
	"github.com/nextlevelbuilder/chatloom/internal/providers"
	"github.com/nextlevelbuilder/chatloom/internal/store"
)

func doctorCmd() *cobra.Command {
	var showConfig bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(showConfig)
		},
	}
	cmd.Flags().BoolVar(&showConfig, "show-config", false, "print the effective config with secrets masked")
	return cmd
}

func runDoctor(showConfig bool) {
	fmt.Println("chatloom doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}

	// Providers
	fmt.Println()
	fmt.Println("  Providers:")
	for _, name := range providers.KnownProviders() {
		label := name
		if name == cfg.Providers.Default {
			label += " (default)"
		}
		checkProvider(label, cfg.Providers.Get(name).APIKey)
	}
	if _, err := providers.New(cfg.ToProviderOptions()); err != nil {
		fmt.Printf("    %-22s %s\n", "Status:", err)
	}

	// Channels
	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Web", cfg.Channels.Web.Enabled, true)
	if cfg.Channels.Web.Enabled {
		fmt.Printf("    %-12s ws://%s%s\n", "Web listen:", cfg.Channels.Web.Listen, cfg.Channels.Web.Path)
	}

	// Database
	fmt.Println()
	fmt.Println("  Database:")
	checkDatabase(cfg.ToStoreConfig())

	// Sessions
	fmt.Println()
	sp := cfg.SessionsPath()
	if sp == "" {
		fmt.Println("  Sessions: in memory")
	} else {
		fmt.Printf("  Sessions: %s", sp)
		if _, err := os.Stat(sp); err != nil {
			fmt.Println(" (not created yet)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	if showConfig {
		fmt.Println()
		fmt.Println("  Effective config:")
		data, _ := json.MarshalIndent(cfg.MaskedCopy(), "  ", "  ")
		fmt.Printf("  %s\n", data)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDatabase(sc store.StoreConfig) {
	driver := sc.Driver
	if driver == "" {
		driver = store.DriverSQLite
	}
	fmt.Printf("    %-12s %s\n", "Driver:", driver)
	if driver == store.DriverMemory {
		fmt.Printf("    %-12s nothing persisted\n", "Status:")
		return
	}

	// Opening without migrating shows the schema as it is.
	sc.AutoMigrate = false
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stores, err := store.Open(ctx, sc)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	stores.Close()
	fmt.Printf("    %-12s OK\n", "Status:")

	dsn := sc.SQLitePath
	if driver == store.DriverPostgres {
		dsn = sc.PostgresDSN
	}
	m, err := store.NewMigrator(driver, dsn)
	if err != nil {
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		return
	}
	defer m.Close()

	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Printf("    %-12s empty (run: chatloom migrate up)\n", "Schema:")
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: chatloom migrate force %d)\n", "Schema:", v, int(v)-1)
	default:
		fmt.Printf("    %-12s v%d\n", "Schema:", v)
	}
}

func checkProvider(name, apiKey string) {
	if apiKey != "" {
		fmt.Printf("    %-22s %s\n", name+":", maskKey(apiKey))
	} else {
		fmt.Printf("    %-22s (not configured)\n", name+":")
	}
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}
