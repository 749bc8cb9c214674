// Command freehpd wires a scraper, a manager, and an HTTP API together
// into one running proxy-harvesting service.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grishkovelli/freehp"
)

func main() {
	configPath := flag.String("c", "", "path to a YAML config file")
	var overrides stringSlice
	flag.Var(&overrides, "s", "override a config key, NAME=VALUE (repeatable)")
	flag.Parse()

	cfg, err := freehp.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("freehp: loading config: %v", err)
	}
	if err := freehp.ApplyOverrides(cfg, overrides); err != nil {
		log.Fatalf("freehp: applying overrides: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	originIP, err := freehp.GetOriginIP(ctx)
	if err != nil {
		log.Fatalf("freehp: resolving origin IP: %v", err)
	}

	validator, err := freehp.NewValidator(cfg, originIP)
	if err != nil {
		log.Fatalf("freehp: building validator: %v", err)
	}

	var store freehp.Store
	if cfg.DBFile != "" {
		store, err = freehp.NewSQLiteStore(cfg.DBFile, cfg.DBTable)
		if err != nil {
			log.Fatalf("freehp: opening store: %v", err)
		}
	}

	metrics := freehp.NewMetrics()
	manager := freehp.NewManager(cfg, validator, store, metrics)

	scraper := freehp.NewScraper(cfg)
	scraper.Subscribe(func(addrs []string) {
		for _, addr := range addrs {
			manager.AddProxy(addr)
		}
	})

	if *configPath != "" {
		go func() {
			err := freehp.WatchConfig(*configPath, 2*time.Second, func(reloaded *freehp.Config) {
				log.Printf("freehp: config reloaded from %s", *configPath)
			})
			if err != nil {
				log.Printf("freehp: config watcher stopped: %v", err)
			}
		}()
	}

	go scraper.Open(ctx)
	go manager.Run(ctx)

	api := freehp.NewAPI(manager, cfg, metrics)
	go api.Run(ctx, 2*time.Second)

	server := &http.Server{Addr: cfg.Bind, Handler: api.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
		scraper.Close()
		if store != nil {
			store.Close()
		}
	}()

	log.Printf("freehp: listening on %s", cfg.Bind)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("freehp: serving: %v", err)
	}
}

// stringSlice accumulates repeated -s flags into a slice, the standard
// flag.Value idiom for multi-valued CLI options.
type stringSlice []string

func (s *stringSlice) String() string {
	return ""
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}
