package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cameron-webmatter/pulse/pkg/config"
	"github.com/cameron-webmatter/pulse/pkg/hmr"
	"github.com/cameron-webmatter/pulse/pkg/transform"
	"github.com/cameron-webmatter/pulse/pkg/watch"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HMR server",
	Long:  `Watch the project root and push hot-module-replacement updates to connected browsers`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to run the server on (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "host to bind to")
}

func runServe(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	if rootDir != "" {
		cwd = rootDir
	}

	var opts *config.Options
	if cfgFile != "" {
		opts, err = config.Load(cfgFile)
	} else {
		opts, err = config.LoadFromDir(cwd)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	opts.Root = cwd
	if servePort != 0 {
		opts.Port = uint16(servePort)
	}

	log := zap.NewNop()
	if verbose && !silent {
		l, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		log = l
	}
	defer log.Sync()

	entries := make([]hmr.ModuleID, len(opts.ProjectEntries))
	for i, e := range opts.ProjectEntries {
		entries[i] = hmr.ModuleID(e)
	}

	srv := hmr.NewServer(hmr.ServerOptions{
		Root:           opts.Root,
		Transformer:    transform.NewRegexTransformer(),
		ProjectEntries: entries,
		Logger:         log,
		Batcher: hmr.BatcherOptions{
			MaxBatch:    opts.MaxBatch,
			BatchWindow: time.Duration(opts.BatchWindowMs) * time.Millisecond,
			Concurrency: opts.Concurrency,
			Logger:      log,
		},
	})
	defer srv.Close()

	watcher, err := watch.New(opts.Root)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(opts.Root); err != nil {
		return fmt.Errorf("watch root: %w", err)
	}
	watcher.Start()
	go forwardChanges(watcher, srv)

	mux := http.NewServeMux()
	mux.HandleFunc("/", logRequest(srv.HandleWebSocket))

	addr := fmt.Sprintf("%s:%d", serveHost, opts.Port)
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if !silent {
			fmt.Printf("\n\033[32m➜\033[0m  Pulse dev server running at \033[36mws://%s\033[0m\n", addr)
			fmt.Printf("\033[32m➜\033[0m  watching \033[36m%s\033[0m\n\n", opts.Root)
		}
		errCh <- httpSrv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		if !silent {
			fmt.Println("\nshutting down...")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func forwardChanges(w *watch.Watcher, srv *hmr.Server) {
	for ev := range w.Changes() {
		srv.NotifyChange(hmr.ModuleID(ev.Path), hmr.PriorityNormal)
	}
}

func logRequest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		if silent || !verbose {
			return
		}
		duration := time.Since(start)
		methodColor := "\033[36m"
		reset := "\033[0m"
		fmt.Printf("%s%s%s %s (%dms)\n", methodColor, r.Method, reset, filepath.Clean(r.URL.Path), duration.Milliseconds())
	}
}
