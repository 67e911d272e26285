// Command proxy runs the HTTP/1.1 forward proxy: plaintext and CONNECT by
// default, TLS MITM when a certificate and key are supplied.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"

	"github.com/WhileEndless/go-httpproxy/pkg/cache"
	"github.com/WhileEndless/go-httpproxy/pkg/config"
	"github.com/WhileEndless/go-httpproxy/pkg/connmgr"
	"github.com/WhileEndless/go-httpproxy/pkg/dispatcher"
	"github.com/WhileEndless/go-httpproxy/pkg/janitor"
	"github.com/WhileEndless/go-httpproxy/pkg/metrics"
	"github.com/WhileEndless/go-httpproxy/pkg/proxy"
	"github.com/WhileEndless/go-httpproxy/pkg/registry"
	"github.com/WhileEndless/go-httpproxy/pkg/tlsconfig"
	"github.com/WhileEndless/go-httpproxy/pkg/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "proxy",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	reg := registry.New()
	c := cache.New()
	if err := c.Init(cfg.CacheCapacity, cfg.BodyMemCap); err != nil {
		log.Error("cache init failed", "error", err)
		return 1
	}

	var identity *tlsconfig.Identity
	if cfg.CertFile != "" {
		identity, err = tlsconfig.LoadIdentity(cfg.CertFile, cfg.KeyFile, log)
		if err != nil {
			log.Error("loading MITM identity failed", "error", err)
			return 1
		}
		defer identity.Close()
	}

	collectors := metrics.New(c)

	cm := connmgr.New(reg, transport.New(), identity, log)
	cm.SetMetrics(collectors)
	p := proxy.New(reg, c, cm, log)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		log.Error("listen failed", "port", cfg.Port, "error", err)
		return 1
	}
	defer ln.Close()

	disp, err := dispatcher.New(ln, p, cm, reg, cfg.IdleTimeout, log)
	if err != nil {
		log.Error("dispatcher init failed", "error", err)
		return 1
	}
	defer disp.Close()

	j, err := janitor.New(c, collectors, cfg.JanitorCron, log)
	if err != nil {
		log.Error("invalid janitor cron expression", "expr", cfg.JanitorCron, "error", err)
		return 1
	}
	j.Start()
	defer j.Stop()

	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.NewServer(cfg.MetricsAddr, collectors)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	printBanner(cfg, identity != nil)

	// SIGPIPE needs no handling: Go's runtime already ignores it on normal
	// fd writes, turning a broken pipe into an EPIPE error return instead
	// of terminating the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- disp.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		p.Drain()
		if metricsSrv != nil {
			metricsSrv.Shutdown(context.Background())
		}
		return 0
	case err := <-errCh:
		if err != nil {
			log.Error("dispatcher exited", "error", err)
			return 1
		}
		return 0
	}
}

func printBanner(cfg config.Config, mitm bool) {
	mode := "plaintext + opaque CONNECT"
	if mitm {
		mode = "TLS MITM"
	}
	color.New(color.FgCyan, color.Bold).Printf("go-httpproxy")
	fmt.Printf(" listening on :%d (%s)\n", cfg.Port, mode)
}
