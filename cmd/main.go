package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acmacalister/inspector"
	"github.com/spf13/cobra"
)

// version is set by ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:          "inspector",
		Short:        "HTTPS inspecting proxy with domain blocking and HTML word filtering",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: search ./inspector.yaml, ~/.inspector, /etc/inspector)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	serveCmd := newServeCmd(&configPath, &verbose)
	rootCmd.AddCommand(
		serveCmd,
		newGenCACmd(&configPath),
		newGenConfigCmd(),
		newPrintBlockPageCmd(),
		newRewriteCmd(&configPath),
	)

	// Running the bare binary starts the proxy.
	rootCmd.RunE = serveCmd.RunE
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())

	return rootCmd
}

func newServeCmd(configPath *string, verbose *bool) *cobra.Command {
	var (
		addr  string
		block []string
		words []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the proxy",
		Long: `Starts the intercepting proxy. HTTPS traffic is decrypted with
certificates signed by the configured CA, blocked hosts get the block
page, and forbidden words are redacted from HTML responses.

Examples:
  inspector serve
  inspector serve --addr :3128 --block ads.example.com,tracker
  inspector serve --config /etc/inspector/inspector.yaml -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := inspector.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			cfg.Filter.Domains = append(cfg.Filter.Domains, block...)
			cfg.Content.Words = append(cfg.Content.Words, words...)
			if *verbose {
				cfg.Logging.Level = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "proxy listen address")
	cmd.Flags().StringSliceVar(&block, "block", nil, "extra domains to block (comma-separated)")
	cmd.Flags().StringSliceVar(&words, "words", nil, "extra forbidden words (comma-separated)")
	return cmd
}

func serve(ctx context.Context, cfg *inspector.Config) error {
	console := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()}))
	slog.SetDefault(console)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	al, err := inspector.OpenActivityLog(cfg.Logging.ActivityLogConfig())
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}

	var metrics *inspector.Metrics
	if cfg.Metrics.Enabled {
		metrics = inspector.NewMetrics()
		al.File().OnRotate = metrics.RecordLogRotation
		al.File().OnError = func(err error) {
			metrics.RecordLogWriteError()
			console.Warn("activity log write failed", "error", err)
		}
	} else {
		al.File().OnError = func(err error) {
			console.Warn("activity log write failed", "error", err)
		}
	}

	pipeline, err := cfg.BuildPipeline(ctx, al)
	if err != nil {
		_ = al.Close()
		return err
	}
	defer func() { _ = pipeline.Close() }()
	pipeline.SetMetrics(metrics)

	cm, err := inspector.NewCertManager(cfg.TLS.CACert, cfg.TLS.CAKey)
	if err != nil {
		console.Info("hint: run \"inspector gen-ca\" to generate a new CA certificate")
		return fmt.Errorf("load CA certificate: %w", err)
	}
	if err := cm.SetCacheSize(cfg.TLS.CertCacheSize); err != nil {
		return err
	}
	cm.Organization = cfg.TLS.Organization
	cm.Metrics = metrics

	upstream, err := cfg.BuildTransport()
	if err != nil {
		return err
	}
	defer upstream.CloseIdleConnections()

	proxy := inspector.NewProxy(cfg.Server.Addr, cm, pipeline)
	proxy.Transport = upstream
	proxy.Logger = console
	proxy.Metrics = metrics
	proxy.IdleTimeout = cfg.Server.IdleTimeout
	proxy.MaxBufferSize = cfg.Server.MaxBufferSize

	var admin *inspector.AdminAPI
	if cfg.Admin.Enabled {
		admin = inspector.NewAdminAPI(pipeline)
		admin.Logger = console
		admin.PathPrefix = cfg.Admin.PathPrefix
		admin.Upstream = upstream
		admin.ReadinessChecks = []inspector.ReadinessCheck{inspector.ActivityLogReady(al)}
		proxy.Admin = admin
		proxy.AdminPrefix = cfg.Admin.PathPrefix
	}

	console.Info("lists loaded",
		"domains", pipeline.Filter.Blocklist().Len(),
		"words", pipeline.Stats().Words,
		"parser", pipeline.Stats().Parser,
	)

	if pipeline.DomainSource != nil || pipeline.WordSource != nil {
		reloader := inspector.WatchSIGHUP(pipeline.Reload, console)
		defer reloader.Cancel()

		if cfg.Filter.ReloadInterval > 0 {
			cancel := pipeline.StartAutoReload(ctx, cfg.Filter.ReloadInterval)
			defer cancel()
			console.Info("list auto-reload enabled", "interval", cfg.Filter.ReloadInterval)
		}

		if paths := cfg.WatchPaths(); cfg.Filter.Watch && len(paths) > 0 {
			if _, err := inspector.WatchFiles(ctx, paths, pipeline.Reload, console); err != nil {
				return err
			}
			console.Info("watching list files", "files", len(paths))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- proxy.ListenAndServe()
	}()

	if admin != nil {
		admin.SetReady(true)
	}
	console.Info("starting proxy", "addr", cfg.Server.Addr, "activity_log", cfg.Logging.File)
	console.Info("configure your system proxy to use this address")
	console.Info("ensure the CA certificate is trusted by your system/browser")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("proxy: %w", err)
	case <-ctx.Done():
	}

	console.Info("shutting down...")
	if admin != nil {
		admin.SetReady(false)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return proxy.Shutdown(shutdownCtx)
}

func newGenCACmd(configPath *string) *cobra.Command {
	var (
		certPath string
		keyPath  string
		org      string
		years    int
	)

	cmd := &cobra.Command{
		Use:   "gen-ca",
		Short: "generate a new CA certificate and key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := inspector.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("cert") {
				certPath = cfg.TLS.CACert
			}
			if !cmd.Flags().Changed("key") {
				keyPath = cfg.TLS.CAKey
			}
			if !cmd.Flags().Changed("org") {
				org = cfg.TLS.Organization
			}
			return generateCA(cmd.OutOrStdout(), certPath, keyPath, org, years)
		},
	}
	cmd.Flags().StringVar(&certPath, "cert", "ca.crt", "CA certificate output path")
	cmd.Flags().StringVar(&keyPath, "key", "ca.key", "CA private key output path")
	cmd.Flags().StringVar(&org, "org", inspector.DefaultCertOrganization, "organization name for the CA")
	cmd.Flags().IntVar(&years, "years", 10, "CA validity in years")
	return cmd
}

func generateCA(out io.Writer, certPath, keyPath, org string, years int) error {
	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("CA certificate already exists at %s", certPath)
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("CA key already exists at %s", keyPath)
	}

	certPEM, keyPEM, err := inspector.GenerateCA(org, years)
	if err != nil {
		return err
	}

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	fmt.Fprintf(out, "CA certificate: %s\nCA key: %s\n", certPath, keyPath)
	fmt.Fprintln(out, "add the CA certificate to your system/browser trust store")
	return nil
}

func newGenConfigCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "gen-config",
		Short: "write an example config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := inspector.WriteExampleConfig(output); err != nil {
				return fmt.Errorf("generate config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "inspector.yaml", "output path")
	return cmd
}

func newPrintBlockPageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-block-page",
		Short: "print the default block page template",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), inspector.DefaultBlockPageHTML, "\n")
		},
	}
}

func newRewriteCmd(configPath *string) *cobra.Command {
	var (
		words       []string
		replacement string
		parser      string
	)

	cmd := &cobra.Command{
		Use:   "rewrite <file>",
		Short: "redact forbidden words from a local HTML file",
		Long: `Runs the HTML rewriter over a file ("-" for stdin) and prints the
result. Words default to the configured word list.

Examples:
  inspector rewrite page.html
  curl -s https://example.com | inspector rewrite --words bomb,attack -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := inspector.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if len(words) == 0 {
				words = cfg.Content.Words
				if l := cfg.WordLoader(); l != nil {
					if words, err = l.Load(cmd.Context()); err != nil {
						return fmt.Errorf("load words: %w", err)
					}
				}
			}
			if !cmd.Flags().Changed("replacement") {
				replacement = cfg.Content.Replacement
			}
			if !cmd.Flags().Changed("parser") {
				parser = cfg.Content.Parser
			}
			return rewriteFile(cmd.InOrStdin(), cmd.OutOrStdout(), args[0], words, replacement, parser)
		},
	}
	cmd.Flags().StringSliceVar(&words, "words", nil, "forbidden words (comma-separated)")
	cmd.Flags().StringVar(&replacement, "replacement", inspector.DefaultReplacement, "redaction token")
	cmd.Flags().StringVar(&parser, "parser", "auto", "HTML parser: auto, html5, tokenizer")
	return cmd
}

func rewriteFile(stdin io.Reader, out io.Writer, path string, words []string, replacement, parser string) error {
	var (
		body []byte
		err  error
	)
	if path == "-" {
		body, err = io.ReadAll(stdin)
	} else {
		body, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	wf, err := inspector.NewWordFilter(words, replacement)
	if err != nil {
		return err
	}
	parsers, err := inspector.ParserByName(parser)
	if err != nil {
		return err
	}
	rw, err := inspector.NewRewriter(wf, parsers...)
	if err != nil {
		return err
	}

	result, changed, err := rw.Rewrite(body, "text/html")
	if err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	if !changed {
		slog.Debug("no forbidden words found", "file", path)
	}
	_, err = out.Write(result)
	return err
}
