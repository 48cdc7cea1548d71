package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"redislite/internal/server"
)

func main() {
	port := flag.Int("port", 6379, "Port to listen on")
	host := flag.String("host", "0.0.0.0", "Host to bind to")
	replicaOf := flag.String("replicaof", "", `master to replicate from, as "<ip> <port>"; presence selects the replica role`)
	flag.Parse()

	cfg := server.DefaultConfig()
	cfg.Host = *host
	cfg.Port = *port

	if *replicaOf != "" {
		fields := strings.Fields(*replicaOf)
		if len(fields) != 2 {
			log.Fatalf(`invalid --replicaof %q, want "<ip> <port>"`, *replicaOf)
		}
		masterPort, err := strconv.Atoi(fields[1])
		if err != nil {
			log.Fatalf("invalid --replicaof port %q: %v", fields[1], err)
		}
		cfg.IsReplica = true
		cfg.MasterHost = fields[0]
		cfg.MasterPort = masterPort
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("shutting down")
		cancel()
		srv.Shutdown()
	}()

	log.Printf("starting server on %s:%d", cfg.Host, cfg.Port)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
