package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/tapdisk-nbd/internal/config"
	"github.com/oriys/tapdisk-nbd/internal/epollsched"
	"github.com/oriys/tapdisk-nbd/internal/logging"
	"github.com/oriys/tapdisk-nbd/internal/metrics"
	"github.com/oriys/tapdisk-nbd/internal/nbdclient"
	"github.com/oriys/tapdisk-nbd/internal/tracing"
)

func serveCmd() *cobra.Command {
	var (
		target       string
		sector       int64
		count        int64
		write        bool
		metricsAddr  string
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open an NBD export and issue one read or write",
		Long:  "Dial target (a SOCK path or HOST:PORT), negotiate the protocol, issue one read/write, print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}
			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured("text", cfg.Observability.Logging.Level)

			if err := tracing.Init(context.Background(), cfg.Observability.Tracing); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer tracing.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.PrometheusHandler())
				mux.Handle("/status", metrics.Global().JSONHandler())
				go func() {
					logging.Op().Info("metrics server started", "addr", metricsAddr)
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logging.Op().Warn("metrics server stopped", "error", err)
					}
				}()
			}

			loop, err := epollsched.New()
			if err != nil {
				return fmt.Errorf("create epoll scheduler: %w", err)
			}
			defer loop.Close()
			go func() {
				if err := loop.Run(); err != nil {
					logging.Op().Error("epoll loop exited", "error", err)
				}
			}()

			driver := nbdclient.NewNBDDriver(loop, nbdclient.GlobalStash(), cfg.NBD, nil)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.NBD.DialTimeout)
			defer cancel()
			if err := driver.Open(ctx, target, 0); err != nil {
				return fmt.Errorf("open %q: %w", target, err)
			}
			defer driver.Close()

			info := driver.Info()
			logging.Op().Info("export negotiated", "size_sectors", info.SizeSectors, "sector_size", info.SectorSize)

			done := make(chan error, 1)
			buf := make([]byte, count*int64(info.SectorSize))
			req := &nbdclient.BlockRequest{
				SectorStart: uint64(sector),
				SectorCount: uint64(count),
				Buffer:      buf,
				Complete: func(errno int) {
					if errno != 0 {
						done <- fmt.Errorf("request failed: errno %d", errno)
						return
					}
					done <- nil
				},
			}

			if write {
				driver.QueueWrite(req)
			} else {
				driver.QueueRead(req)
			}

			select {
			case err := <-done:
				if err != nil {
					return err
				}
				if !write {
					fmt.Println(previewHex(buf))
				}
			case <-time.After(30 * time.Second):
				return fmt.Errorf("request timed out")
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
			case <-time.After(100 * time.Millisecond):
			}
			loop.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "NBD peer: a SOCK path, HOST:PORT, or fd-stash identifier")
	cmd.Flags().Int64Var(&sector, "sector", 0, "Starting sector")
	cmd.Flags().Int64Var(&count, "count", 1, "Sector count")
	cmd.Flags().BoolVar(&write, "write", false, "Issue a WRITE instead of a READ (buffer is left zeroed)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus /metrics listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.MarkFlagRequired("target")

	return cmd
}

func previewHex(buf []byte) string {
	n := len(buf)
	if n > 32 {
		n = 32
	}
	s := ""
	for _, b := range buf[:n] {
		s += strconv.FormatInt(int64(b), 16) + " "
	}
	return s
}
