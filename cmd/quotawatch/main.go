// Command quotawatch discovers the local Antigravity language server, polls
// it for per-model quota and serves the aggregated status to display
// consumers over a loopback HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"

	"quotawatch/internal/config"
	"quotawatch/internal/engine"
	"quotawatch/internal/langserver"
	"quotawatch/internal/locator"
	"quotawatch/internal/logging"
	"quotawatch/internal/metrics"
	"quotawatch/internal/quota"
	"quotawatch/internal/server"
	"quotawatch/internal/snapshot"
	"quotawatch/internal/version"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config.yaml (default: ./config.yaml, then the user config dir)")
		once        = flag.Bool("once", false, "locate, fetch and print the quota table once, then exit")
		last        = flag.Bool("last", false, "print the last snapshot written by a running daemon, then exit")
		openBrowser = flag.Bool("open", false, "open the status page in the browser after startup")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("quotawatch %s (%s)\n", version.Version, version.Commit)
		return
	}

	// A missing .env is the normal case.
	_ = godotenv.Load()

	if *configPath == "" {
		*configPath = os.Getenv("QUOTAWATCH_CONFIG")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotawatch: %v\n", err)
		os.Exit(1)
	}

	if *last {
		os.Exit(printLast(cfg))
	}

	logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	if *once {
		os.Exit(runOnce(cfg))
	}

	os.Exit(runDaemon(cfg, *configPath, *openBrowser))
}

func runDaemon(cfg *config.Config, configPath string, openBrowser bool) int {
	log.Infof("quotawatch %s (%s) starting", version.Version, version.Commit)
	metrics.Register()

	loc := locator.New(cfg.ProcessName, cfg.RequestTimeout())
	client := langserver.NewClient(cfg.RequestTimeout())

	// The server needs the engine and the engine's notifier is the server;
	// the indirection breaks the construction cycle. The variable is set
	// before any goroutine can fire a notification.
	var srv *server.Server
	eng := engine.New(loc, client, engine.Options{
		Groups:    cfg.Groups,
		Threshold: cfg.LowQuotaThreshold,
		Interval:  cfg.RefreshInterval(),
		Notifier: engine.NotifyFunc(func(status quota.GroupStatus) {
			srv.NotifyLowQuota(status)
		}),
	})

	srv, err := server.New(eng, cfg.Listen, cfg.Nicknames)
	if err != nil {
		log.WithError(err).Errorf("server setup failed")
		return 1
	}
	eng.OnUpdate(srv.HandleUpdate)

	if !cfg.Snapshot.Disabled {
		store, errStore := snapshot.New(cfg.Snapshot.Path)
		if errStore != nil {
			log.WithError(errStore).Errorf("snapshot store setup failed")
			return 1
		}
		log.Infof("writing snapshots to %s", store.Path())
		eng.OnUpdate(func(update engine.Update) {
			if update.Kind != engine.UpdateRefresh {
				return
			}
			if errWrite := store.Write(update.Snapshot); errWrite != nil {
				log.WithError(errWrite).Warnf("snapshot write failed")
			}
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.Watch(ctx, configWatchPath(configPath), func(next *config.Config) {
		eng.ApplySettings(next.Groups, next.LowQuotaThreshold, next.RefreshInterval())
		srv.ApplyNicknames(next.Nicknames)
	}); err != nil {
		log.WithError(err).Warnf("config hot reload disabled")
	}

	go eng.Run(ctx)

	if openBrowser {
		go func() {
			// Give the listener a moment to come up.
			time.Sleep(300 * time.Millisecond)
			if errOpen := open.Run(srv.URL()); errOpen != nil {
				log.WithError(errOpen).Warnf("could not open the status page")
			}
		}()
	}

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Errorf("server failed")
		return 1
	}
	log.Infof("quotawatch stopped")
	return 0
}

// runOnce performs a single locate+fetch+aggregate pass and prints the
// result, for shell use without a daemon.
func runOnce(cfg *config.Config) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	loc := locator.New(cfg.ProcessName, cfg.RequestTimeout())
	candidates := loc.Locate(ctx)
	if len(candidates) == 0 {
		fmt.Fprintf(os.Stderr, "quotawatch: %s\n", engine.DiscoveryNotFoundMessage)
		return 1
	}

	records, err := langserver.NewClient(cfg.RequestTimeout()).Fetch(ctx, candidates)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotawatch: %v\n", err)
		return 1
	}

	printTable(quota.Aggregate(records, cfg.Groups), cfg.Nicknames)
	return 0
}

// printLast prints the snapshot most recently written by a daemon.
func printLast(cfg *config.Config) int {
	doc, err := snapshot.Read(cfg.Snapshot.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quotawatch: %v\n", err)
		return 1
	}
	fmt.Printf("snapshot written %s\n", doc.WrittenAt.Local().Format(time.RFC1123))
	if doc.Snapshot.LastError != "" {
		fmt.Printf("last error: %s\n", doc.Snapshot.LastError)
	}
	printTable(doc.Snapshot.Groups, cfg.Nicknames)
	return 0
}

func printTable(statuses []quota.GroupStatus, nicknames map[string]string) {
	normalized := make(map[string]string, len(nicknames))
	for label, nickname := range nicknames {
		normalized[quota.NormalizeLabel(label)] = nickname
	}
	display := func(label string) string {
		if nickname, ok := normalized[quota.NormalizeLabel(label)]; ok {
			return nickname
		}
		return label
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tWORST\tMODEL\tRESETS")
	for _, status := range statuses {
		if !status.Matched {
			fmt.Fprintf(w, "%s\t-\t\t\n", status.Name)
			continue
		}
		reset := ""
		if !status.ResetTime.IsZero() {
			reset = status.ResetTime.Local().Format("15:04")
		}
		fmt.Fprintf(w, "%s\t%d%%\t%s\t%s\n", status.Name, status.WorstPercent, display(status.WorstLabel), reset)
	}
	_ = w.Flush()
}

// configWatchPath resolves the path the hot-reload watcher follows; an empty
// flag means the default location is in effect.
func configWatchPath(path string) string {
	if path != "" {
		return path
	}
	return config.DefaultPath()
}
