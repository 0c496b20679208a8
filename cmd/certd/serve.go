package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/certd/acme"
	"gosuda.org/certd/config"
	"gosuda.org/certd/dnsprov"
	"gosuda.org/certd/issuer"
	"gosuda.org/certd/store"
)

const shutdownTimeout = 5 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
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
			log.Error().Err(err).Msg("[server] close store")
		}
	}()

	iss := buildIssuer(cfg, kv)

	providers := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, p.Name)
	}
	log.Info().
		Strs("providers", providers).
		Int("renew_before_days", iss.RenewBeforeDays).
		Dur("propagation_wait", iss.PropagationWait).
		Int("allowed_domains", len(cfg.Domains)).
		Msg("[server] configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: newRouter(cfg, kv, iss),
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("[server] listening: %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("[server] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("[server] shutdown")
	}
	return nil
}

// buildIssuer wires the configured providers, DNS client, and tuning knobs
// into an issuer. Knobs left unset in the file keep the issuer defaults.
func buildIssuer(cfg *config.Config, kv store.KV) *issuer.Issuer {
	cf := dnsprov.NewCloudflare(cfg.Cloudflare.APIToken, cfg.Cloudflare.ZoneMap)
	if cfg.Cloudflare.APIBase != "" {
		cf.APIBase = cfg.Cloudflare.APIBase
	}

	cas := make([]issuer.CA, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		ca := issuer.CA{Name: p.Name, DirectoryURL: p.DirectoryURL}
		if p.EAB != nil {
			ca.EAB = &acme.EAB{KID: p.EAB.KID, HMACKey: p.EAB.HMACKey}
		}
		cas = append(cas, ca)
	}

	iss := issuer.New(kv, cf, cas)
	iss.ContactEmail = cfg.ContactEmail
	if cfg.RenewBeforeDays != nil {
		iss.RenewBeforeDays = *cfg.RenewBeforeDays
	}
	if cfg.DNSPropagationSeconds != nil {
		iss.PropagationWait = time.Duration(*cfg.DNSPropagationSeconds) * time.Second
	}
	if cfg.IncludeApexWithWildcard != nil {
		iss.IncludeApexWithWildcard = *cfg.IncludeApexWithWildcard
	}
	if len(cfg.DNS.Resolvers) > 0 {
		iss.Propagation = &issuer.PropagationChecker{Resolvers: cfg.DNS.Resolvers}
	}
	return iss
}
