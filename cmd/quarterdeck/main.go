// Command quarterdeck runs the single-operator administrative control
// plane: a local web service with status, chat, and configuration
// endpoints behind token auth, rate limiting, and self-signed TLS.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"quarterdeck/internal/api"
	"quarterdeck/internal/auth"
	"quarterdeck/internal/config"
	"quarterdeck/internal/ledger"
	"quarterdeck/internal/security"
)

func main() {
	cfg := config.Load()

	store, err := ledger.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer store.Close() //nolint:errcheck
	if err := store.Init(context.Background()); err != nil {
		log.Fatalf("init ledger: %v", err)
	}

	srv := api.New(cfg.HTTPAddr, store, auth.NewTokens(), api.SecurityConfig{
		LoginRateLimit:   cfg.LoginRateLimit,
		LoginRateWindow:  cfg.LoginRateWindow,
		APIRateLimit:     cfg.APIRateLimit,
		APIRateWindow:    cfg.APIRateWindow,
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowLegacyToken: cfg.AllowLegacyToken,
		TokenTTL:         cfg.TokenTTL,
		ChatHistoryLimit: cfg.ChatHistoryLimit,
	})

	var bundle security.Bundle
	if cfg.TLSEnabled {
		// Certificate work happens here, once, off the request path.
		// A generation failure is fatal: TLS was requested, so the
		// listener must not come up without a certificate.
		prov := security.NewProvisioner(cfg.CertDir, security.SelectBackend(cfg.CertBackend))
		bundle, err = prov.Ensure()
		if err != nil {
			log.Fatalf("provision TLS certificate: %v", err)
		}
		log.Printf("certificate fingerprint %s", bundle.Fingerprint)
	}
	srv.SetIdentity(bundle.Fingerprint, cfg.PublicHost, listenPort(cfg.HTTPAddr), cfg.TLSEnabled)

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSEnabled {
			tlsCfg, err := bundle.ServerTLSConfig()
			if err != nil {
				errCh <- err
				return
			}
			errCh <- srv.StartTLS(tlsCfg)
		} else {
			errCh <- srv.Start()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		log.Fatalf("server: %v", err)
	case <-sig:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
