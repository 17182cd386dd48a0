package main

import (
	"flag"
	"log"

	"github.com/zurustar/sipsession/internal/server"
)

func main() {
	var configFile = flag.String("config", "config.yaml", "Configuration file path")
	flag.Parse()

	sessionServer := server.NewSessionServer()

	if err := sessionServer.LoadConfig(*configFile); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Run until SIGINT or SIGTERM; SIGHUP reloads the configuration
	if err := sessionServer.RunWithSignalHandling(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
