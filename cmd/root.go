// Package cmd contains the CLI commands for tally
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Global vars needed for cobra CLI
var (
	cfgFile string
	logger  *logrus.Logger
)

// rootCmd represents the base command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Incremental calculations over tabular datasets",
	Long: `Tally evaluates spreadsheet-style formulas over datasets, keeps calculated
columns and aggregate tables current as rows change, and cascades changes
through merged, joined and aggregated tables.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level overriding the config file (trace, debug, info, warn, error)")

	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func initConfig() {
	if cfgFile == "" {
		cfgFile = "./config.yaml"
	}
}

// setLogLevel applies the --log-level flag, falling back to the configured level
func setLogLevel(cmd *cobra.Command, configured string) error {
	name, err := cmd.Flags().GetString("log-level")
	if err != nil || name == "" {
		name = configured
	}

	level, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}

	logger.SetLevel(level)

	return nil
}
