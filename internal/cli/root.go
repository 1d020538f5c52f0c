package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hewjoe/ebay-catalog/internal/app"
	"github.com/hewjoe/ebay-catalog/internal/config"
	"github.com/hewjoe/ebay-catalog/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	overrides flagOverrides
	appHandle *app.App
)

// flagOverrides are command-line values that replace file or env settings
// when explicitly set.
type flagOverrides struct {
	searchPattern   string
	auctionPeriod   int
	completedPeriod int
	pollingInterval int
	dbHost          string
	dbPort          int
	dbName          string
	dbUser          string
	dbPassword      string
}

var rootCmd = &cobra.Command{
	Use:           "ebaytracker",
	Short:         "Track eBay auctions from discovery to completion",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Read(cfgFile)
		if err != nil {
			return err
		}
		if err := applyOverrides(cfg, cmd.Flags()); err != nil {
			return err
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if config.IsConfigurationError(err) {
			fmt.Fprintln(os.Stderr, "configuration error:", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	flags.StringVar(&overrides.searchPattern, "search-pattern", "", "Search pattern to track")
	flags.IntVar(&overrides.auctionPeriod, "auction-period", 0, "Hours ahead to discover auctions")
	flags.IntVar(&overrides.completedPeriod, "completed-period", 0, "Hours back to recheck ended auctions")
	flags.IntVar(&overrides.pollingInterval, "polling-interval", 0, "Minutes between daemon passes")
	flags.StringVar(&overrides.dbHost, "db-host", "", "Database host")
	flags.IntVar(&overrides.dbPort, "db-port", 0, "Database port")
	flags.StringVar(&overrides.dbName, "db-name", "", "Database name")
	flags.StringVar(&overrides.dbUser, "db-user", "", "Database user")
	flags.StringVar(&overrides.dbPassword, "db-password", "", "Database password")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(initDBCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(versionCmd)
}

// applyOverrides copies explicitly set flags onto cfg and validates again.
func applyOverrides(cfg *config.Config, flags *pflag.FlagSet) error {
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("search-pattern") {
		cfg.Search.Pattern = overrides.searchPattern
	}
	if flags.Changed("auction-period") {
		cfg.Search.AuctionPeriod = overrides.auctionPeriod
	}
	if flags.Changed("completed-period") {
		cfg.Search.CompletedPeriod = overrides.completedPeriod
	}
	if flags.Changed("polling-interval") {
		cfg.Daemon.PollingInterval = overrides.pollingInterval
	}
	if flags.Changed("db-host") {
		cfg.Database.Host = overrides.dbHost
	}
	if flags.Changed("db-port") {
		cfg.Database.Port = overrides.dbPort
	}
	if flags.Changed("db-name") {
		cfg.Database.Name = overrides.dbName
	}
	if flags.Changed("db-user") {
		cfg.Database.User = overrides.dbUser
	}
	if flags.Changed("db-password") {
		cfg.Database.Password = overrides.dbPassword
	}
	return cfg.Validate()
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
