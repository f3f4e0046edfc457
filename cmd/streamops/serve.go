package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/antonkrylov/streamops/internal/config"
	"github.com/antonkrylov/streamops/internal/dispatch"
	"github.com/antonkrylov/streamops/internal/httpapi"
	"github.com/antonkrylov/streamops/internal/telegram"
	"github.com/antonkrylov/streamops/internal/transfer"
)

const healthService = "streamops"

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot and, when configured, the HTTP gateway and gRPC health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := root.logger(os.Stderr)
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	token := cfg.Telegram.ResolvedToken()
	if token == "" && cfg.HTTP.Addr == "" {
		return fmt.Errorf("nothing to serve: set telegram.token (or $%s) or http.addr", cfg.Telegram.TokenEnv)
	}

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		api     *tgbotapi.BotAPI
		bot     *telegram.Bot
		replier dispatch.Replier
		relay   transfer.Relay
	)
	if token != "" {
		api, err = telegram.Connect(token, cfg.Telegram.Debug)
		if err != nil {
			return err
		}
		bot = telegram.New(api, logger.With("component", "telegram"))
		replier, relay = bot, bot
		logger.Info("telegram bot authorized", "username", api.Self.UserName)
	}
	var gateway *httpapi.Gateway
	if cfg.HTTP.Addr != "" {
		gateway = httpapi.NewGateway(cfg.HTTP.OutboxDir, replier, relay)
		replier, relay = gateway, gateway
	}

	d, err := rt.dispatcher(replier, relay)
	if err != nil {
		return err
	}

	errCh := make(chan error, 3)
	running := 0

	if cfg.GRPC.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.HealthAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		hs := health.NewServer()
		grpcServer := grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, hs)
		reflection.Register(grpcServer)
		hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
		running++
		go func() {
			<-ctx.Done()
			hs.Shutdown()
			grpcServer.GracefulStop()
		}()
		go func() {
			logger.Info("grpc health ready", "addr", lis.Addr().String())
			errCh <- grpcServer.Serve(lis)
		}()
	}

	if gateway != nil {
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           httpapi.NewRouter(d, gateway, rt.store, httpapi.Auth{
				Token:     cfg.HTTP.ResolvedToken(),
				Operators: cfg.HTTP.Operators,
			}, logger.With("component", "http")),
			ReadHeaderTimeout: 10 * time.Second,
		}
		running++
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		go func() {
			logger.Info("http gateway ready", "addr", cfg.HTTP.Addr)
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			errCh <- err
		}()
	}

	if bot != nil {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = int(cfg.Telegram.Timeout.Seconds())
		updates := api.GetUpdatesChan(u)
		go func() {
			<-ctx.Done()
			api.StopReceivingUpdates()
		}()
		running++
		go func() {
			logger.Info("telegram polling started")
			errCh <- bot.Serve(ctx, updates, d)
		}()
	}

	// The first component to stop takes the others down with it.
	var firstErr error
	for i := 0; i < running; i++ {
		err := <-errCh
		if err != nil && firstErr == nil {
			firstErr = err
			logger.Error("server stopped", "err", err)
		}
		cancel()
	}
	logger.Info("shutdown complete")
	return firstErr
}
