// Command gateway wires the HTTP-JSON client, the upstream WebSocket
// client, the dispatcher, the downstream WebSocket server, and the
// subscription bridge into one running process, then blocks until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gateway/internal/bridge"
	"gateway/internal/config"
	"gateway/internal/dispatcher"
	"gateway/internal/httprpc"
	"gateway/internal/wsclient"
	"gateway/internal/wsserver"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
)

const shutdownGrace = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if addr := os.Getenv("PYROSCOPE_SERVER_ADDRESS"); addr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "gateway",
			ServerAddress:   addr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer profiler.Stop()
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	httpClient := httprpc.New()

	dsp, err := dispatcher.New(ctx, cfg.Credentials, httpClient)
	if err != nil {
		log.Fatalf("dispatcher construction failed: %v", err)
	}
	defer dsp.Stop()

	upstream := wsclient.New(ctx, cfg.Upstream.Host, cfg.Upstream.Port, cfg.Upstream.Path)
	sub := bridge.New(upstream)

	downstream := wsserver.New(cfg.Downstream.Address+":"+cfg.Downstream.Port, cfg.Downstream.BinaryProtocol, wsserver.Handlers{
		OnMessage:    sub.OnDownstreamFrame,
		OnDisconnect: sub.OnDownstreamDisconnect,
	})

	if err := upstream.Start(ctx, wsclient.Callbacks{
		OnOpen: func() {
			logs.Info("upstream websocket connected")
		},
		OnMessage: func(payload string) {
			sub.OnUpstreamFrame([]byte(payload))
		},
		OnClose: func() {
			logs.Info("upstream websocket closed")
		},
		OnError: func(message string) {
			logs.Errorf("upstream websocket error: %s", message)
		},
	}); err != nil {
		log.Fatalf("upstream websocket connect failed: %v", err)
	}
	defer upstream.Close()

	errCh := make(chan error, 1)
	go func() {
		if err := downstream.Run(); err != nil {
			errCh <- err
		}
	}()

	logs.Infof("gateway listening on %s:%s", cfg.Downstream.Address, cfg.Downstream.Port)

	select {
	case <-ctx.Done():
		logs.Info("shutdown signal received")
	case err := <-errCh:
		logs.Errorf("downstream server failed: %+v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := downstream.Stop(shutdownCtx); err != nil {
		logs.Errorf("downstream server shutdown error: %+v", err)
	}
}
