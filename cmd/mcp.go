package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	apexmcp "github.com/joescharf/apex/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client create, run, merge and clean up apex tasks.
Configure it with:

  {
    "mcpServers": {
      "apex": { "command": "apex", "args": ["mcp"] }
    }
  }

With --metrics-addr (or metrics.addr) Prometheus metrics are served on
/metrics while the server runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	mcpCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	_ = viper.BindPFlag("metrics.addr", mcpCmd.Flags().Lookup("metrics-addr"))
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	o, err := getOrchestrator()
	if err != nil {
		return err
	}

	if addr := viper.GetString("metrics.addr"); addr != "" {
		srv := startMetricsServer(addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("mcp server starting", zap.String("version", buildVersion))
	return apexmcp.NewServer(o, buildVersion).ServeStdio(ctx)
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}
