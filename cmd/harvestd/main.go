package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"harvestd/internal/config"
	"harvestd/internal/logging"
)

var (
	cfg       config.Config
	logger    *slog.Logger
	logCloser io.Closer

	flagConfigFilePath string
	flagVerbose        bool
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "YAML config file; HARVESTD_CONFIG is used when unset")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initHarvestd
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	}

	scansCmd.AddCommand(scansListCmd, scansGetCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, scansCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("harvestd failed", "err", err)
		} else {
			fmt.Fprintln(os.Stderr, "harvestd:", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "harvestd",
	Short:        "HTTP service running theHarvester scans in isolated containers",
	SilenceUsage: true,
	RunE:         doServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("harvestd: version info not available")
			return
		}
		fmt.Printf("harvestd: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
	},
}

func initHarvestd(cmd *cobra.Command, _ []string) error {
	path := flagConfigFilePath
	if path == "" {
		path = os.Getenv("HARVESTD_CONFIG")
	}
	var err error
	cfg, err = config.Load(path)
	if err != nil {
		return err
	}
	if flagVerbose {
		cfg.Logging.Level = "debug"
	}
	logger, logCloser = logging.New(cfg.Logging)
	slog.SetDefault(logger)
	logger.Debug("configuration loaded", "path", path, "env", cfg.Env)
	return nil
}
