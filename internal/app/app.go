// Package app はアプリケーションの初期化と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/itemcast/internal/broadcast"
	"github.com/hitoshi/itemcast/internal/config"
	"github.com/hitoshi/itemcast/internal/forward"
	"github.com/hitoshi/itemcast/internal/handler"
	"github.com/hitoshi/itemcast/internal/item"
	"github.com/hitoshi/itemcast/internal/logger"
	"github.com/hitoshi/itemcast/internal/metrics"
	"github.com/hitoshi/itemcast/internal/middleware"
	"github.com/hitoshi/itemcast/internal/security"
	"github.com/hitoshi/itemcast/internal/socket"
	"github.com/hitoshi/itemcast/internal/store"
	"github.com/hitoshi/itemcast/internal/stream"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間の上限。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数を読み込み、ログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	level := logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level.Set(cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMで終了する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, w, args)
}

func run(ctx context.Context, w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "4000"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.Port),
		slog.Bool("forward_enabled", cfg.ForwardEnabled()),
		slog.String("cors_origin", cfg.CORSOrigin),
	)

	return runServe(ctx, cfg)
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、ctxがキャンセルされるまでHTTPサーバーを動かす。
func runServe(ctx context.Context, cfg *config.Config) error {
	h, cleanup, err := newHandler(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer cleanup()

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", cfg.Port, err)
	}

	return serve(ctx, ln, h, slog.Default())
}

// newHandler はストア・ハブ・サービス・配信チャネルを構築し、ルーターを返す。
// 返されたcleanupはサーバー停止後に呼び出す。
func newHandler(cfg *config.Config, log *slog.Logger) (http.Handler, func(), error) {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. ストアとハブ
	st := store.New()
	hub := broadcast.NewHub(log,
		broadcast.WithBufferSize(cfg.ObserverBuffer),
		broadcast.WithMetrics(collector),
	)

	// 3. アイテムサービス
	svcOpts := []item.Option{
		item.WithLogger(log),
		item.WithMetrics(collector),
	}
	if cfg.ForwardEnabled() {
		guard := security.NewForwardGuard(cfg.ForwardBlockPrivate)
		// クライアント側のタイムアウトは転送のcontext期限より長くする
		httpClient, err := guard.NewClient(cfg.ForwardURL, forward.DefaultTimeout+5*time.Second)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid FORWARD_URL: %w", err)
		}
		svcOpts = append(svcOpts, item.WithForwarder(
			forward.NewClient(httpClient, cfg.ForwardURL, log, collector),
		))
	}
	if cfg.IngestStripHTML {
		svcOpts = append(svcOpts, item.WithSanitizer(security.NewTextSanitizer()))
	}
	svc := item.NewService(st, hub, svcOpts...)

	// 4. ミドルウェア依存
	origins := middleware.NewOriginPolicy(cfg.AllowedOrigins())
	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimitIngest > 0 {
		rateLimiter = middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitIngest))
	}

	// 5. ルーターの構築
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:       log,
		OriginPolicy: origins,
		RateLimiter:  rateLimiter,
		ItemService:  svc,
		Events: stream.NewHandler(svc, log,
			stream.WithHeartbeat(cfg.StreamHeartbeat),
			stream.WithWriteTimeout(cfg.WriteTimeout),
		),
		Socket: socket.NewHandler(svc, log,
			socket.WithOriginPolicy(origins),
			socket.WithWriteTimeout(cfg.WriteTimeout),
		),
		Metrics: metrics.Handler(reg),
	})

	cleanup := func() {
		if rateLimiter != nil {
			rateLimiter.Stop()
		}
	}
	return router, cleanup, nil
}

// serve はlnでHTTPサーバーを起動し、ctxがキャンセルされたらグレースフルシャットダウンを行う。
// 配信チャネルの接続はベースコンテキストのキャンセルで解放する。
func serve(ctx context.Context, ln net.Listener, h http.Handler, log *slog.Logger) error {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	// WriteTimeout と ReadTimeout は設定しない。配信チャネルはフレームごとに書き込み期限を設定する
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", ln.Addr().String()))
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")
	cancelBase()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
