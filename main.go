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

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	email    = flag.String("email", "", "Call address written into a new config (init)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

// Config file names looked up in a peer directory, in order.
var configNames = []string{"goopcall.json", "goopcall.yaml", "goopcall.yml"}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
		fmt.Fprintf(os.Stderr, "Usage: goopcall %s <peer-directory>\n", command)
		os.Exit(1)
	}

	switch command {
	case "peer":
		runCLIPeer(args[1])

	case "init":
		runCLIInit(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func peerDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	return absDir
}

// configPath returns the first existing config file in dir, or the JSON
// default when none exists yet.
func configPath(dir string) string {
	for _, name := range configNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, configNames[0])
}

func runCLIPeer(peerDirArg string) {
	absDir := peerDir(peerDirArg)

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := configPath(absDir)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runCLIInit(peerDirArg string) {
	absDir := peerDir(peerDirArg)
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	cfgPath := configPath(absDir)
	cfg, err := config.LoadPartial(cfgPath)
	if os.IsNotExist(err) {
		cfg = config.Default()
		cfg.Identity.Email = *email
	} else if err != nil {
		log.Fatalf("Failed to read config: %v", err)
	}

	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Wrote %s\n", cfgPath)
	fmt.Printf("Start with: goopcall peer %s\n", peerDirArg)
}

func showUsage() {
	fmt.Println("goopcall - one-to-one calls over a shared signaling store")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall peer <directory>     Run a peer")
	fmt.Println("  goopcall init <directory>     Create or edit a peer's config interactively")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run a peer from the specified directory")
	fmt.Println("        The directory must contain goopcall.json (or .yaml/.yml)")
	fmt.Println()
	fmt.Println("  init <directory>")
	fmt.Println("        Ask for address, store and media settings and write the config")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -email    Call address for a new config (init)")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall -email alice@example.com init ./peers/alice")
	fmt.Println("  goopcall peer ./peers/alice")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   goopcall Peer Runner                 ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Call Address:   %s\n", cfg.Identity.Email)
	fmt.Printf("Store:          %s\n", cfg.Store.Driver)
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("📞 Call API:     %s/api/call/status\n", url)
		if cfg.Metrics.Enabled {
			fmt.Printf("📊 Metrics:      %s/metrics\n", url)
		}
		fmt.Println()
	}

	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
