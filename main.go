// main.go
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

	"github.com/interacthub/livecomm/internal/app"
	"github.com/interacthub/livecomm/internal/config"
)

var (
	dirFlag  = flag.String("dir", ".", "Working directory holding livecomm.json and the data dir")
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("livecomm v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	absDir, err := filepath.Abs(*dirFlag)
	if err != nil {
		log.Fatalf("Invalid working directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Working directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "livecomm.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created %s — fill in identity.email and restart.\n", cfgPath)
		return
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, absDir, cfg); err != nil {
		log.Fatalf("livecomm failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("livecomm - realtime communication core")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  livecomm [-dir <directory>]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -dir      Working directory with livecomm.json (default \".\")")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("On first run a default livecomm.json is written to the working")
	fmt.Println("directory; set identity.email (and the bus/service URLs) before")
	fmt.Println("starting again.")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("livecomm v%s\n", appVersion)
	fmt.Printf("Directory: %s\n", dir)
	fmt.Printf("Config:    %s\n", cfgPath)
	fmt.Printf("Identity:  %s\n", cfg.Identity.Email)
	fmt.Printf("Bus:       %s\n", cfg.Bus.URL)
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
}
