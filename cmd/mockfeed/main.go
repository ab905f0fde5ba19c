package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/costsentry/costsentry/test/mockfeed"
)

func main() {
	addr := flag.String("addr", ":8889", "Server address")
	flag.Parse()

	state := mockfeed.NewState()
	server := mockfeed.NewServer(state)

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down mock billing feed...")
		os.Exit(0)
	}()

	log.Printf("Starting mock billing feed on %s", *addr)
	if err := server.Run(*addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
