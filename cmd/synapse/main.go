// Synapse CLI - runs the core↔substrate bridge and its control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calyptra/synapse/bridge"
	"github.com/calyptra/synapse/dispatch"
	"github.com/calyptra/synapse/server"
)

func main() {
	configPath := flag.String("config", "", "Path to synapse.toml")
	workerPath := flag.String("worker", "", "Worker executable (overrides config)")
	workers := flag.Int("workers", 0, "Worker count (overrides config)")
	serveMode := flag.Bool("serve", false, "Start the HTTP control surface")
	servePort := flag.Int("port", 7677, "Control surface port (used with -serve)")
	journalPath := flag.String("journal", "", "Task journal SQLite file (empty disables)")
	pingMsg := flag.String("ping", "", "Ping the substrate with a message and exit")
	statusMode := flag.Bool("status", false, "Print bridge status and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: synapse [options]\n\n")
		fmt.Fprintf(os.Stderr, "Bridges a cognitive-core runtime to a pool of substrate workers.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  synapse -config synapse.toml -serve     # Run the control surface\n")
		fmt.Fprintf(os.Stderr, "  synapse -worker ./synapse-worker -ping hi\n")
	}
	flag.Parse()

	cfg := bridge.DefaultConfig()
	if *configPath != "" {
		loaded, err := bridge.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "synapse: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}
	if *workerPath != "" {
		cfg.WorkerPath = *workerPath
	}
	if *workers > 0 {
		cfg.MaxWorkers = *workers
	}

	opts := []bridge.Option{bridge.WithOpRegistry(dispatch.DefaultOps())}
	if *journalPath != "" {
		opts = append(opts, bridge.WithJournal(*journalPath))
	}

	b, err := bridge.New(cfg, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "synapse: %v\n", err)
		os.Exit(1)
	}
	defer b.Shutdown()

	switch {
	case *pingMsg != "":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		echo, err := b.Ping(ctx, *pingMsg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "synapse: ping: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(echo)

	case *statusMode:
		st := b.Status()
		fmt.Printf("initialized:    %v\n", st.Initialized)
		fmt.Printf("max workers:    %d\n", st.MaxWorkers)
		fmt.Printf("active workers: %d\n", st.ActiveWorkers)

	case *serveMode:
		srv := server.New(b)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-stop
			srv.Stop()
		}()

		addr := fmt.Sprintf(":%d", *servePort)
		if err := srv.ListenAndServe(addr); err != nil {
			fmt.Fprintf(os.Stderr, "synapse: serve: %v\n", err)
			os.Exit(1)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}
