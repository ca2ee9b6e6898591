package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dconeybe/firestore-conntest/internal/clients"
	"github.com/dconeybe/firestore-conntest/internal/conntest"
)

const usage = `Usage: conntestctl [flags] <command>

Commands:
  start    Begin a connectivity test (no-op if one is running)
  cancel   Cancel the test in progress, if any
  status   Print whether a test is running and its id
  watch    Follow state changes until interrupted
`

func main() {
	var (
		address = flag.String("address", "localhost:50060", "conntestd control address")
		timeout = flag.Duration("timeout", 10*time.Second, "Per-command timeout")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	client, conn, err := clients.NewInsecureControlClient(*address)
	if err != nil {
		log.Fatalf("failed to connect to conntestd: %v", err)
	}
	defer conn.Close()

	switch flag.Arg(0) {
	case "start":
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		if err := client.Start(ctx); err != nil {
			log.Fatalf("start failed: %v", err)
		}
		fmt.Println("test start requested")
	case "cancel":
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		if err := client.Cancel(ctx); err != nil {
			log.Fatalf("cancel failed: %v", err)
		}
		fmt.Println("test cancellation requested")
	case "status":
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		printStatus(ctx, client)
	case "watch":
		watch(client)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func printStatus(ctx context.Context, client *clients.ControlClient) {
	running, err := client.IsRunning(ctx)
	if err != nil {
		log.Fatalf("status failed: %v", err)
	}

	if !running {
		fmt.Println("idle")
		return
	}

	testID, err := client.RunningTestID(ctx)
	if err != nil {
		log.Fatalf("status failed: %v", err)
	}
	if testID == conntest.NoTestID {
		fmt.Println("running (test id not yet assigned)")
		return
	}
	fmt.Printf("running test %d\n", testID)
}

func watch(client *clients.ControlClient) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stream, err := client.Watch(ctx)
	if err != nil {
		log.Fatalf("watch failed: %v", err)
	}

	printStatus(ctx, client)
	for {
		if err := stream.Next(); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			log.Fatalf("watch stream ended: %v", err)
		}
		printStatus(ctx, client)
	}
}
