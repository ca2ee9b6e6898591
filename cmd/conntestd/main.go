package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/dconeybe/firestore-conntest/internal/api"
	"github.com/dconeybe/firestore-conntest/internal/conntest"
	"github.com/dconeybe/firestore-conntest/internal/control"
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
		address    = flag.String("address", "", "Control gRPC listen address")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("conntestd %s (%s, built %s)\n", Version, GitCommit, BuildTime)
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
	if *address != "" {
		cfg.ControlAddress = *address
	}

	observationWindow, err := cfg.Window()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	store, err := storage.Open(cfg.DatabaseFile)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer store.Close()

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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	lis, err := net.Listen("tcp", cfg.ControlAddress)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}

	grpcServer := grpc.NewServer()
	control.NewServer(orchestrator).Register(grpcServer)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("conntestd listening on %s, probing %s", cfg.ControlAddress, cfg.Host)
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down gRPC server...")

		orchestrator.Cancel()

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
			log.Println("gRPC server stopped gracefully")
		case <-time.After(5 * time.Second):
			log.Println("gRPC server force stopping...")
			grpcServer.Stop()
		}

		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled && err != grpc.ErrServerStopped {
		log.Fatalf("Error: %v", err)
	}

	log.Println("conntestd shutdown complete")
}
