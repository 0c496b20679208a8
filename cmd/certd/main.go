package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "certd",
	Short: "ACME certificate issuance and renewal daemon using dns-01 challenges",
	RunE:  runServe,
}

var (
	flagConfig string // e.g. config.yaml (env: CERTD_CONFIG)
)

func init() {
	defaultConfig := os.Getenv("CERTD_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", defaultConfig, "configuration file path (env: CERTD_CONFIG)")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}
