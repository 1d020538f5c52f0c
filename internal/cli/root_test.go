package cli

import (
	"testing"

	"github.com/spf13/pflag"

	"github.com/hewjoe/ebay-catalog/internal/config"
)

func validConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Search.Pattern = "rtx 3090"
	cfg.Search.AuctionPeriod = 24
	cfg.Search.CompletedPeriod = 48
	cfg.Daemon.PollingInterval = 30
	cfg.Ebay.UseScraping = true
	cfg.Tracker.MissingCycles = 3
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.Name = "ebay_tracker"
	cfg.Database.User = "postgres"
	cfg.Export.MaxDataPoints = 100
	return cfg
}

func parsedFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := rootCmd.PersistentFlags()
	if err := flags.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	t.Cleanup(func() {
		flags.VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	})
	return flags
}

func TestApplyOverridesOnlyChangedFlags(t *testing.T) {
	cfg := validConfig()
	flags := parsedFlags(t, "--search-pattern", "rtx 4090", "--db-port", "6543", "--polling-interval", "10")

	if err := applyOverrides(cfg, flags); err != nil {
		t.Fatalf("applyOverrides: %v", err)
	}
	if cfg.Search.Pattern != "rtx 4090" || cfg.Database.Port != 6543 || cfg.Daemon.PollingInterval != 10 {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.Search.AuctionPeriod != 24 || cfg.Database.Host != "localhost" {
		t.Fatalf("未设置的参数不应覆盖配置: %+v", cfg)
	}
}

func TestApplyOverridesRevalidates(t *testing.T) {
	cfg := validConfig()
	flags := parsedFlags(t, "--auction-period", "0")

	err := applyOverrides(cfg, flags)
	if !config.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestApplyOverridesRescuesInvalidFileValue(t *testing.T) {
	cfg := validConfig()
	cfg.Search.AuctionPeriod = 0
	flags := parsedFlags(t, "--auction-period", "24")

	if err := applyOverrides(cfg, flags); err != nil {
		t.Fatalf("命令行参数应能修正配置文件中的无效值: %v", err)
	}
	if cfg.Search.AuctionPeriod != 24 {
		t.Fatalf("override not applied: %d", cfg.Search.AuctionPeriod)
	}
}
