package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"routa/internal/config"
	"routa/internal/logging"
	"routa/internal/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent-to-agent API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Bind host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Bind port (overrides config)")
	return cmd
}

func serve(cfg *config.Config) error {
	a, err := buildApp(cfg, appOptions{metrics: true})
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Version:      version,
		AllowOrigins: cfg.Server.AllowOrigins,
		Debug:        cfg.Server.Debug,
		Health:       a.health,
	}, a.stores, a.coord, a.orch, a.bus, logging.NewComponentLogger("server"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := a.ping(pingCtx); err != nil {
		fmt.Printf("%s %v\n", yellow("⚠ model endpoint unreachable:"), err)
	}
	cancelPing()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	addr := cfg.Server.Addr()
	fmt.Printf("%s listening on %s\n", bold("routa "+version), blue(addr))
	fmt.Printf("  card    http://%s/.well-known/agent.json\n", addr)
	fmt.Printf("  rpc     http://%s/a2a\n", addr)
	fmt.Printf("  events  ws://%s/api/events\n", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
