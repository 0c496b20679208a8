package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/certd/config"
	"gosuda.org/certd/store"
)

var obtainCmd = &cobra.Command{
	Use:   "obtain <domain>",
	Short: "Issue or renew one certificate and exit",
	Args:  cobra.ExactArgs(1),
	RunE:  runObtain,
}

var (
	flagCertOut string
	flagKeyOut  string
)

func init() {
	flags := obtainCmd.Flags()
	flags.StringVar(&flagCertOut, "cert-out", "", "also write the PEM chain to this file")
	flags.StringVar(&flagKeyOut, "key-out", "", "also write the PEM private key to this file")

	rootCmd.AddCommand(obtainCmd)
}

func runObtain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	kv, err := store.OpenPebble(filepath.Join(cfg.DataDir, "kv"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Error().Err(err).Msg("[obtain] close store")
		}
	}()

	iss := buildIssuer(cfg, kv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := iss.ObtainOrRenew(ctx, args[0])
	if err != nil {
		return err
	}

	log.Info().
		Str("domain", res.Domain).
		Str("provider", res.Provider).
		Bool("cached", res.Cached).
		Time("not_after", res.NotAfter).
		Msg("[obtain] certificate ready")

	if flagCertOut != "" {
		if err := os.WriteFile(flagCertOut, []byte(res.CertPEM), 0o644); err != nil {
			return fmt.Errorf("write certificate: %w", err)
		}
		log.Info().Msgf("[obtain] chain written: %s", flagCertOut)
	}
	if flagKeyOut != "" {
		if err := os.WriteFile(flagKeyOut, []byte(res.KeyPEM), 0o600); err != nil {
			return fmt.Errorf("write key: %w", err)
		}
		log.Info().Msgf("[obtain] key written: %s", flagKeyOut)
	}
	return nil
}
