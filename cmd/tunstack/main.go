package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nharte/tunstack/pkg/config"
	"github.com/nharte/tunstack/pkg/core"
	"github.com/nharte/tunstack/pkg/logging"
	"github.com/nharte/tunstack/pkg/pcap"
	"github.com/nharte/tunstack/pkg/stack"
	"github.com/nharte/tunstack/pkg/tun"
)

func main() {
	configPath := flag.String("config", "", "path to config file (json or yaml)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath, cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)

	// Debug logging toggle via DEBUG env (truthy parser)
	dval := strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG")))
	if dval == "1" || dval == "true" || dval == "yes" || dval == "on" {
		cfg.Stack.Debug = true
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.Fatalf("logging: %v", err)
	}

	metricsEnabled := strings.TrimSpace(os.Getenv("METRICS_INTERVAL")) != "" || strings.TrimSpace(os.Getenv("METRICS_FORMAT")) != ""
	if cfg.Stack.Debug {
		logging.SetLevel(logging.DebugLevel)
		core.SetDebugMode(true)
		logging.Infof("DEBUG enabled: verbose logging and packet copy mode")
	} else if metricsEnabled {
		// Raise to info so metrics dumps are visible
		logging.SetLevel(logging.InfoLevel)
	}

	dev, err := tun.New(cfg.Stack.LinkName, cfg.Stack.MTU, cfg.Stack.Subnet)
	if err != nil {
		log.Fatalf("tun: %v", err)
	}

	if cfg.Stack.PcapFile != "" {
		cap, err := pcap.NewWriter(cfg.Stack.PcapFile)
		if err != nil {
			log.Fatalf("pcap: %v", err)
		}
		defer cap.Close()
		dev.SetCapture(cap)
	}

	eng, err := stack.New(cfg.Stack, dev)
	if err != nil {
		log.Fatalf("stack: %v", err)
	}

	for _, port := range cfg.EchoPorts {
		if err := eng.Listen(uint16(port), newEchoHandler()); err != nil {
			log.Fatalf("listen %d: %v", port, err)
		}
	}

	if err := eng.Start(); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	// Fatal device errors flow to the engine's error channel; the supervisor
	// (us) exits and lets the process manager restart everything.
	go func() {
		err := <-dev.Err()
		eng.ReportFatal(err)
	}()

	if metricsEnabled {
		go runMetricsReporter(eng)
	}

	if cfg.HealthAddr != "" {
		go func() {
			http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			http.ListenAndServe(cfg.HealthAddr, nil)
		}()
	}

	// Wait for termination or a fatal engine error
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		logging.Infof("received %s, shutting down", sig)
	case err := <-eng.Err():
		logging.Errorf("fatal engine error: %v", err)
	}
}
