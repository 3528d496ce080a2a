package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"ampy.local/ampy-correlation/sdk/go/ampycorr"
)

var rootCmd = &cobra.Command{
	Use:   "with-sdk",
	Short: "Demo service propagating correlation headers across HTTP hops",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		envFile, err := cmd.Flags().GetString("env-file")
		if err != nil {
			return err
		}
		if envFile == "" {
			return nil
		}
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load %s file: %w", envFile, err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve /work, which calls /echo through the tracked client",
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr, err := cmd.Flags().GetString("addr")
		if err != nil {
			return err
		}
		downstream, err := cmd.Flags().GetString("downstream")
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, addr, downstream)
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve the operation context of a set of inbound headers",
	Example: `  with-sdk resolve -H "traceparent: 00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
  with-sdk resolve --legacy -H "Request-Id: |abc.1." -H "Correlation-Context: k1=v1"`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		raw, err := cmd.Flags().GetStringArray("header")
		if err != nil {
			return err
		}
		legacy, err := cmd.Flags().GetBool("legacy")
		if err != nil {
			return err
		}

		h := make(http.Header)
		for _, line := range raw {
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				return fmt.Errorf("header %q: expected \"Name: value\"", line)
			}
			h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		r := ampycorr.NewTraceContextResolver(ampycorr.ResolverOptions{PreferLegacyFormat: legacy})
		oc, err := r.Resolve(cmd.Context(), h)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "format:         %s\n", oc.Format)
		fmt.Fprintf(out, "id:             %s\n", oc.ID)
		fmt.Fprintf(out, "parent_id:      %s\n", oc.ParentID)
		fmt.Fprintf(out, "legacy_root_id: %s\n", oc.LegacyRootID)
		fmt.Fprintf(out, "request_id:     %s\n", oc.RequestID)
		if baggage, ok := ampycorr.FormatKeyValues(oc.Baggage.Items()); ok {
			fmt.Fprintf(out, "baggage:        %s\n", baggage)
		}
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (ampycorr.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return ampycorr.Config{}, err
	}
	if path != "" {
		return ampycorr.LoadConfigFile(path)
	}
	cfg, err := ampycorr.LoadConfig()
	if err != nil {
		return ampycorr.Config{}, err
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ampy-demo-svc"
		cfg.ServiceVersion = "0.1.0"
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg ampycorr.Config, addr, downstream string) error {
	hdl, err := ampycorr.Init(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init correlation: %w", err)
	}
	defer hdl.Shutdown(context.Background())

	hdl.Metrics.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if downstream == "" {
		downstream = "http://localhost" + addr
	}
	client := hdl.HTTPClient(&http.Client{Timeout: 5 * time.Second})

	mux := http.NewServeMux()
	mux.Handle("/metrics", hdl.Metrics.Handler())
	mux.HandleFunc("/work", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		time.Sleep(time.Duration(5+rand.Intn(60)) * time.Millisecond)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, downstream+"/echo", nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			hdl.Logger.Error(ctx, "downstream call failed", ampycorr.F("error", err.Error()))
			http.Error(w, "downstream unavailable", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		hdl.Logger.Info(ctx, "did some work", ampycorr.F("downstream_status", resp.StatusCode))
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, resp.Body)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		oc, _ := ampycorr.OperationFromContext(r.Context())
		for _, name := range []string{
			ampycorr.HeaderTraceParent,
			ampycorr.HeaderRequestID,
			ampycorr.HeaderCorrelationContext,
			ampycorr.HeaderRequestContext,
		} {
			fmt.Fprintf(w, "%s: %s\n", name, r.Header.Get(name))
		}
		if oc != nil {
			fmt.Fprintf(w, "operation: %s parent: %s\n", oc.ID, oc.ParentID)
		}
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           ampycorr.HTTPServerMiddleware(hdl)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("demo: serving on http://localhost%s  (GET /work, /echo, /metrics)", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	_ = srv.Shutdown(context.Background())
	fmt.Println("bye")
	return nil
}

func main() {
	rootCmd.PersistentFlags().String("env-file", "", "Optional .env file loaded before reading AMPY_* variables.")
	rootCmd.PersistentFlags().String("config", "", "Optional YAML config file; takes precedence over the environment.")

	serveCmd.Flags().String("addr", ":9464", "Listen address.")
	serveCmd.Flags().String("downstream", "", "Base URL called by /work; defaults to this server.")

	resolveCmd.Flags().StringArrayP("header", "H", nil, "Inbound header as \"Name: value\"; repeatable.")
	resolveCmd.Flags().Bool("legacy", false, "Resolve in legacy Request-Id mode.")

	rootCmd.AddCommand(serveCmd, resolveCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
