// Command claspd runs a CLASP router: it accepts WebSocket and TCP
// sessions, dispatches their messages through internal/router, and
// optionally bridges a Kafka topic and a sibling instance over NATS into
// the same address space. Composition mirrors the teacher's flat
// main.go/server.go split: main parses flags and config, Server owns
// everything that needs a graceful shutdown.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/clasp-proto/claspd/internal/config"
)

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides CLASPD_LOG_LEVEL)")
	flag.Parse()

	startup := log.New(os.Stdout, "[claspd] ", log.LstdFlags)

	// automaxprocs rounds GOMAXPROCS down to the container's CPU quota;
	// internal/platform's CPUMonitor reads the cgroup quota itself (or the
	// host CPU count when there is none); CLASPD_CPU_LIMIT is only logged.
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		startup.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
		startup.Printf("debug logging enabled via -debug flag")
	}
	cfg.Print()

	srv, err := NewServer(cfg)
	if err != nil {
		startup.Fatalf("failed to construct server: %v", err)
	}

	if err := srv.Start(); err != nil {
		startup.Fatalf("failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	startup.Println("shutting down claspd...")
	if err := srv.Shutdown(); err != nil {
		startup.Printf("error during shutdown: %v", err)
	}
}
