// wpcod is the rendezvous coordination server: a TLS-encapsulated
// announcement handler, a record store with TTL eviction, one or more
// STUN reflectors, and a best-effort status publisher (§4.H-§4.K).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	wireplugotel "wireplug.org/wireplug/pkg/otel"
	"wireplug.org/wireplug/pkg/rendezvous"
	"wireplug.org/wireplug/pkg/stunserver"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", rendezvous.DefaultConfigPath, "path to the server config file")
	flag.Parse()

	otelShutdown, err := wireplugotel.Init(context.Background(), "wpcod", version)
	if err != nil {
		log.Printf("[Rendezvous] OTel init failed, continuing without telemetry: %v", err)
	} else {
		defer otelShutdown(context.Background())
	}

	cfg, err := rendezvous.ReadConfigFile(*configPath)
	if err != nil {
		log.Printf("[Rendezvous] %v", err)
		return 1
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		log.Printf("[Rendezvous] load certificate: %v", err)
		return 1
	}

	store := rendezvous.NewStore()

	srv, err := rendezvous.Listen(cfg.WPListenOn, &tls.Config{Certificates: []tls.Certificate{cert}}, store)
	if err != nil {
		log.Printf("[Rendezvous] listen on %s: %v", cfg.WPListenOn, err)
		return 1
	}
	defer srv.Close()

	var stunServers []*stunserver.Server
	for _, addr := range cfg.StunListenOn {
		s, err := stunserver.Listen(addr)
		if err != nil {
			log.Printf("[STUN] listen on %s: %v", addr, err)
			return 1
		}
		stunServers = append(stunServers, s)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	go rendezvous.RunSweeper(store, stop)
	if cfg.StatusSocket != "" {
		go rendezvous.PublishStatus(store, cfg.StatusSocket, stop)
	}
	for _, s := range stunServers {
		go func(s *stunserver.Server) {
			if err := s.Serve(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[STUN] server exited: %v", err)
			}
		}(s)
	}

	log.Printf("[Rendezvous] listening on %s, STUN on %v", cfg.WPListenOn, cfg.StunListenOn)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Printf("[Rendezvous] server exited: %v", err)
		return 1
	}
	return 0
}
