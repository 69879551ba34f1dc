package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/gaspardpetit/wirebus/internal/channel/httpchannel"
	"github.com/gaspardpetit/wirebus/internal/channel/redischannel"
	"github.com/gaspardpetit/wirebus/internal/channel/wschannel"
	"github.com/gaspardpetit/wirebus/internal/config"
	"github.com/gaspardpetit/wirebus/internal/logx"
	"github.com/gaspardpetit/wirebus/internal/metrics"
	"github.com/gaspardpetit/wirebus/internal/rpc"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.Config
	cfg.SetDefaults()
	cfg.ApplyEnv()
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "wirebus version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("wirebus version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)
	if !cfg.RPC.Enable {
		logx.Log.Info().Msg("rpc engine disabled, exiting")
		return
	}

	eng := rpc.New(rpc.Config{
		ID:                                cfg.RPC.ID,
		MaxQueueLength:                    cfg.RPC.MaxQueueLength,
		DefaultOutChannelIdleCloseTimeout: cfg.RPC.DefaultOutChannelIdleCloseTimeout,
		OutChannelDefaults: rpc.OutChannelDefaults{
			ReconnectMin:      cfg.RPC.WS.ReconnectIntervalMin,
			ReconnectMax:      cfg.RPC.WS.ReconnectIntervalMax,
			SSLCAFile:         cfg.RPC.WS.SSLCAFile,
			SSLClientCertFile: cfg.RPC.WS.SSLClientCertFile,
			SSLServerName:     cfg.RPC.WS.SSLServerName,
		},
		OutChannelFactory: wschannel.Factory(),
	})
	rpc.RegisterBuiltins(eng)
	if cfg.RPC.AuthDomain != "" && cfg.RPC.AuthFile != "" {
		realm, file := cfg.RPC.AuthDomain, cfg.RPC.AuthFile
		eng.SetPrehandler(func(ri *rpc.RequestInfo, fi *rpc.FrameInfo, args json.RawMessage) bool {
			return rpc.CheckDigestAuth(ri, realm, file)
		})
	}
	eng.AddObserver(func(ev rpc.Event, dst string) {
		if ev == rpc.EventChannelOpen {
			logx.Log.Info().Str("dst", dst).Msg("channel open")
		} else {
			logx.Log.Info().Str("dst", dst).Msg("channel closed")
		}
	})

	if cfg.RPC.ServerURL != "" {
		eng.AddChannel(rpc.DstDefault, wschannel.NewOutbound(wschannel.OutboundConfig{
			URL:           cfg.RPC.ServerURL,
			ReconnectMin:  cfg.RPC.WS.ReconnectIntervalMin,
			ReconnectMax:  cfg.RPC.WS.ReconnectIntervalMax,
			TLSCAFile:     cfg.RPC.WS.SSLCAFile,
			TLSClientCert: cfg.RPC.WS.SSLClientCertFile,
			TLSServerName: cfg.RPC.WS.SSLServerName,
		}))
	}
	if cfg.RPC.RedisAddr != "" {
		if cfg.RPC.RedisPeer == "" {
			logx.Log.Fatal().Msg("redis-peer is required with redis-addr")
		}
		ch, err := redischannel.New(redischannel.Config{Addr: cfg.RPC.RedisAddr, LocalID: cfg.RPC.ID, Peer: cfg.RPC.RedisPeer})
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("redis channel")
		}
		eng.AddChannel(cfg.RPC.RedisPeer, ch)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		addr, err := metrics.StartMetricsServer(ctx, cfg.MetricsAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("metrics server")
		}
		logx.Log.Info().Str("addr", addr).Msg("metrics listening")
	}

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))
	router.Get(cfg.WSPath, wschannel.Handler(eng))
	router.Post(cfg.HTTPPath, httpchannel.Handler(eng, 0))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logx.Log.Info().Str("addr", srv.Addr).Str("id", cfg.RPC.ID).Msg("wirebus listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Fatal().Err(err).Msg("http server")
		}
	}()
	eng.Connect()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	eng.Close()
}
