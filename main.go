package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/wisp-im/wisp/internal/app"
	"github.com/wisp-im/wisp/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("wisp v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) != 1 {
		showUsage()
		os.Exit(1)
	}
	runPeer(args[0])
}

func runPeer(dataDirArg string) {
	absDir, err := filepath.Abs(dataDirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Create data directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "wisp.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config: %s", cfgPath)
	}
	if cfg.Identity.Account == "" {
		log.Printf("WARNING: identity.account is empty — peers will see an anonymous contact")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("wisp - peer-to-peer calling client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  wisp <directory>    Run a peer from the specified data directory")
	fmt.Println()
	fmt.Println("The directory holds the wisp.json configuration, the identity key")
	fmt.Println("and the call history database. It is created on first run along")
	fmt.Println("with a default configuration.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  wisp ./peers/alice")
}
