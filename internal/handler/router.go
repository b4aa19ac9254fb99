package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/itemcast/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	OriginPolicy *middleware.OriginPolicy
	RateLimiter  *middleware.RateLimiter // nilの場合はインジェストのレート制限を行わない

	// アイテム
	ItemService ItemServiceInterface

	// 配信チャネル
	Events http.Handler // GET /events（nilの場合は登録しない）
	Socket http.Handler // /ws（nilの場合は登録しない）

	// メトリクス（nilの場合は /metrics を公開しない）
	Metrics http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → Logging → SecurityHeaders → CORS
//
// インジェストにはさらにクライアントIPごとのレート制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := deps.OriginPolicy
	if origins == nil {
		origins = middleware.NewOriginPolicy(nil, true)
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(origins))

	itemHandler := NewItemHandler(deps.ItemService, logger)

	r.Get("/health", Health)

	if deps.RateLimiter != nil {
		r.With(deps.RateLimiter.IngestMiddleware()).Post("/ingest", itemHandler.Ingest)
	} else {
		r.Post("/ingest", itemHandler.Ingest)
	}
	r.Get("/items", itemHandler.ListItems)
	r.Post("/accept/{id}", itemHandler.Accept)
	r.Post("/cancel/{id}", itemHandler.Cancel)

	// 配信チャネル
	if deps.Events != nil {
		r.Method(http.MethodGet, "/events", deps.Events)
	}
	if deps.Socket != nil {
		r.Handle("/ws", deps.Socket)
	}

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	return r
}
