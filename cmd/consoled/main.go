// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fleetops/consolehub/internal/backend/localbackend"
	"github.com/fleetops/consolehub/internal/collective"
	"github.com/fleetops/consolehub/internal/configstore/filestore"
	"github.com/fleetops/consolehub/internal/console"
	"github.com/fleetops/consolehub/internal/proxy"
	"github.com/fleetops/consolehub/internal/registry"
	"github.com/fleetops/consolehub/internal/selfservice"
)

const mainRevision = "consoled-v1-entrypoint"

func init() {
	log.Printf("[main] REVISION: %s loaded at %s", mainRevision, time.Now().Format(time.RFC3339))
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	proxyAddr := os.Getenv("PROXY_ADDR")
	if proxyAddr == "" {
		proxyAddr = ":13001"
	}

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		log.Fatal("CONFIG_DIR must be set")
	}

	tenant := os.Getenv("TENANT")
	if tenant == "" {
		tenant = "default"
	}

	myName := os.Getenv("COLLECTIVE_NAME")
	if myName == "" {
		log.Fatal("COLLECTIVE_NAME must be set")
	}

	logDir := os.Getenv("CONSOLE_LOG_DIR")

	store, err := filestore.New(configDir, tenant)
	if err != nil {
		log.Fatalf("opening config store: %v", err)
	}
	if err := store.Start(); err != nil {
		log.Fatalf("starting config store: %v", err)
	}

	membership := collective.NewStaticMembership(myName)
	if err := loadPeers(membership); err != nil {
		log.Fatalf("loading COLLECTIVE_PEERS: %v", err)
	}

	dialer := &proxy.Dialer{MyName: myName}
	cfg := console.Config{
		Store:      store,
		Membership: membership,
		Factory:    &localbackend.Factory{},
		LogDir:     logDir,
	}
	reg := registry.New(cfg, dialer)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := reg.StartConsoleSessions(startCtx); err != nil {
		startCancel()
		log.Fatalf("starting console sessions: %v", err)
	}
	startCancel()

	proxyTLSConfig, err := loadProxyTLSConfig()
	if err != nil {
		log.Fatalf("loading proxy TLS config: %v", err)
	}
	listener := &proxy.Listener{TLSConfig: proxyTLSConfig, Resolver: reg}

	proxyCtx, proxyCancel := context.WithCancel(context.Background())
	go func() {
		log.Printf("[main] proxy listener on %s", proxyAddr)
		if err := listener.ListenAndServe(proxyCtx, proxyAddr); err != nil {
			log.Printf("[main] proxy listener stopped: %v", err)
		}
	}()

	selfsvc := selfservice.NewServer(store, reg)
	mux := http.NewServeMux()
	selfsvc.Routes(mux)

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("[main] starting HTTP server on :%s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sig := <-shutdown
	log.Printf("[main] received signal %v, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("[main] HTTP server shutdown error: %v", err)
	}

	proxyCancel()
	reg.Shutdown()
	store.Stop()

	log.Println("[main] shutdown complete")
}

// loadPeers parses COLLECTIVE_PEERS ("name=host:port=hexfingerprint,...")
// into membership. Real deployments would source peer membership from the
// config store itself; SPEC_FULL leaves peer discovery external, so this is
// the minimal static wiring needed to exercise internal/proxy end to end.
func loadPeers(membership *collective.StaticMembership) error {
	raw := os.Getenv("COLLECTIVE_PEERS")
	if raw == "" {
		return nil
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(entry, "=")
		if len(parts) != 3 {
			return fmt.Errorf("malformed peer entry %q, want name=host:port=hexfingerprint", entry)
		}
		fingerprint, err := hex.DecodeString(parts[2])
		if err != nil {
			return fmt.Errorf("peer %q: decoding fingerprint: %w", parts[0], err)
		}
		membership.Set(parts[0], collective.Member{Address: parts[1], Fingerprint: fingerprint})
	}
	return nil
}

// loadProxyTLSConfig builds the server-side TLS config for the proxy
// listener from PROXY_CERT_FILE/PROXY_KEY_FILE.
func loadProxyTLSConfig() (*tls.Config, error) {
	certFile := os.Getenv("PROXY_CERT_FILE")
	keyFile := os.Getenv("PROXY_KEY_FILE")
	if certFile == "" || keyFile == "" {
		log.Fatal("PROXY_CERT_FILE and PROXY_KEY_FILE must be set")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
