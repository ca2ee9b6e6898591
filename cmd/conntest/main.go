package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dconeybe/firestore-conntest/internal/api"
	"github.com/dconeybe/firestore-conntest/internal/conntest"
	"github.com/dconeybe/firestore-conntest/internal/firestore"
	"github.com/dconeybe/firestore-conntest/internal/storage"
)

// Set at build time
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a JSON config file")
		host       = flag.String("host", "", "Firestore endpoint (host:port)")
		project    = flag.String("project", "", "Project id")
		database   = flag.String("database", "", "Database id")
		collection = flag.String("collection", "", "Collection to probe")
		plaintext  = flag.Bool("plaintext", false, "Disable TLS (emulator endpoints)")
		dbFile     = flag.String("db", "", "SQLite file for test runs and logs")
		window     = flag.Duration("window", 0, "Observation window for the listen stream")
		list       = flag.Bool("list", false, "List recorded test runs and exit")
		logsID     = flag.Int64("logs", 0, "Print the log trail of the given test id and exit")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("conntest %s (%s, built %s)\n", Version, GitCommit, BuildTime)
		return
	}

	cfg := api.DefaultConfig()
	if *configPath != "" {
		loaded, err := api.Load(*configPath)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		cfg = loaded
	}

	// Explicitly set flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "project":
			cfg.ProjectID = *project
		case "database":
			cfg.DatabaseID = *database
		case "collection":
			cfg.Collection = *collection
		case "plaintext":
			cfg.Plaintext = *plaintext
		case "db":
			cfg.DatabaseFile = *dbFile
		case "window":
			cfg.ObservationWindow = window.String()
		}
	})

	observationWindow, err := cfg.Window()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	store, err := storage.Open(cfg.DatabaseFile)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer store.Close()

	if *list {
		listTests(store)
		return
	}
	if *logsID != 0 {
		printLogs(store, *logsID)
		return
	}

	runOnce(cfg, store, observationWindow)
}

func runOnce(cfg api.Config, store *storage.Store, observationWindow time.Duration) {
	channelCfg := firestore.Config{
		Host:       cfg.Host,
		ProjectID:  cfg.ProjectID,
		DatabaseID: cfg.DatabaseID,
		Collection: cfg.Collection,
		Plaintext:  cfg.Plaintext,
	}

	channel, err := firestore.Dial(channelCfg)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer channel.Close()

	orchestrator := conntest.NewOrchestrator(store, channel, firestore.NewRequests(channelCfg), observationWindow)

	waiter := &runWaiter{orchestrator: orchestrator, done: make(chan struct{})}
	orchestrator.AddListener(waiter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("probing %s (project=%s database=%s collection=%s)", cfg.Host, cfg.ProjectID, cfg.DatabaseID, cfg.Collection)
	orchestrator.Start()

	go func() {
		<-ctx.Done()
		orchestrator.Cancel()
	}()

	<-waiter.done

	tests, err := store.Tests()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	if len(tests) == 0 {
		log.Fatal("no test run was recorded")
	}
	printLogs(store, tests[len(tests)-1].ID)
}

// runWaiter closes done once the orchestrator returns to idle.
type runWaiter struct {
	orchestrator *conntest.Orchestrator
	done         chan struct{}
	once         sync.Once
}

func (w *runWaiter) OnStateChange() error {
	if !w.orchestrator.IsRunning() {
		w.once.Do(func() { close(w.done) })
	}
	return nil
}

func listTests(store *storage.Store) {
	tests, err := store.Tests()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	for _, t := range tests {
		start := time.UnixMilli(t.StartTimeMS).UTC().Format(time.RFC3339)
		if t.EndTimeMS == nil {
			fmt.Printf("test %d: started %s (no end time recorded)\n", t.ID, start)
			continue
		}
		fmt.Printf("test %d: started %s, ran %dms\n", t.ID, start, *t.EndTimeMS-t.StartTimeMS)
	}
}

func printLogs(store *storage.Store, testID int64) {
	logs, err := store.Logs(testID)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	if len(logs) == 0 {
		fmt.Fprintf(os.Stderr, "no log lines recorded for test %d\n", testID)
		return
	}

	for _, entry := range logs {
		fmt.Printf("test %d (+%dms): %s\n", entry.TestID, entry.ElapsedMS, entry.Message)
	}
}
