// Package main implements the page and approval HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/WessleyAI/shopsearch/engine/app"
	"github.com/WessleyAI/shopsearch/engine/catalog"
	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/engine/lifecycle"
	"github.com/WessleyAI/shopsearch/engine/orchestrator"
	"github.com/WessleyAI/shopsearch/engine/store"
	"github.com/WessleyAI/shopsearch/pkg/mid"
	"github.com/WessleyAI/shopsearch/pkg/ollama"
	"github.com/nats-io/nats.go"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := app.LoadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg app.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to NATS ---
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("shopsearch-api"), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	// --- Open store ---
	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- Product catalog (optional) ---
	var similar Similarity
	if cfg.QdrantURL != "" {
		model := ollama.New(ollama.Options{BaseURL: cfg.OllamaURL, EmbedModel: cfg.EmbedModel, Logger: logger})
		opts := catalog.DefaultOptions()
		opts.Collection = cfg.Collection
		opts.Logger = logger
		cat, err := catalog.New(cfg.QdrantURL, st, model, opts)
		if err != nil {
			return fmt.Errorf("qdrant connect: %w", err)
		}
		defer cat.Close()
		similar = cat
	}

	svc := lifecycle.New(st, orchestrator.NewQueue(nc), lifecycle.Options{CredentialID: cfg.CredentialID, Logger: logger})

	handler := mid.Chain(newMux(svc, st, similar, logger),
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("shopsearch-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// Similarity finds indexed products close to a text.
type Similarity interface {
	Similar(ctx context.Context, text string, topK int, filters map[string]string) ([]catalog.Hit, error)
}

// Lister lists pages and searches.
type Lister interface {
	ListPages(ctx context.Context, f store.PageFilter) ([]domain.Page, error)
	ListSearches(ctx context.Context, f store.SearchFilter) ([]domain.Search, error)
}

func newMux(svc *lifecycle.Service, list Lister, similar Similarity, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/pages", handleRegister(svc, logger))
	mux.HandleFunc("GET /api/pages", handleListPages(list, logger))
	mux.HandleFunc("GET /api/pages/{id}", func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.Page(r.Context(), r.PathValue("id"))
		respond(w, logger, p, err)
	})
	mux.HandleFunc("GET /api/pages/{id}/attempts", func(w http.ResponseWriter, r *http.Request) {
		a, err := svc.Attempts(r.Context(), r.PathValue("id"))
		respond(w, logger, a, err)
	})
	mux.HandleFunc("POST /api/pages/{id}/keywords/approve", withBody(logger, func(r *http.Request, b ActionRequest) (any, error) {
		return svc.ApproveKeywords(r.Context(), r.PathValue("id"), b.Keywords)
	}))
	mux.HandleFunc("POST /api/pages/{id}/keywords/reject", withBody(logger, func(r *http.Request, b ActionRequest) (any, error) {
		return svc.RejectKeywords(r.Context(), r.PathValue("id"), b.Feedback)
	}))
	mux.HandleFunc("POST /api/pages/{id}/search/force", withBody(logger, func(r *http.Request, _ ActionRequest) (any, error) {
		return svc.ForceNewSearch(r.Context(), r.PathValue("id"))
	}))
	mux.HandleFunc("POST /api/pages/{id}/results/approve", withBody(logger, func(r *http.Request, _ ActionRequest) (any, error) {
		return svc.ApproveResults(r.Context(), r.PathValue("id"))
	}))
	mux.HandleFunc("POST /api/pages/{id}/results/reject", withBody(logger, func(r *http.Request, b ActionRequest) (any, error) {
		return svc.RejectResults(r.Context(), r.PathValue("id"), b.Feedback)
	}))
	mux.HandleFunc("POST /api/pages/{id}/results/select", func(w http.ResponseWriter, r *http.Request) {
		var b ActionRequest
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil || b.SearchID == "" {
			mid.WriteError(w, http.StatusBadRequest, "searchId is required")
			return
		}
		p, err := svc.SelectSearch(r.Context(), r.PathValue("id"), b.SearchID)
		respond(w, logger, p, err)
	})
	mux.HandleFunc("GET /api/searches", handleListSearches(list, logger))
	mux.HandleFunc("GET /api/searches/{id}", func(w http.ResponseWriter, r *http.Request) {
		v, err := svc.Search(r.Context(), r.PathValue("id"))
		respond(w, logger, v, err)
	})
	mux.HandleFunc("GET /api/products/similar", handleSimilar(similar, logger))
	return mux
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	mid.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RegisterResponse is the JSON response for POST /api/pages.
type RegisterResponse struct {
	Page    domain.Page `json:"page"`
	Created bool        `json:"created"`
}

func handleRegister(svc *lifecycle.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req lifecycle.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			mid.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.URL == "" {
			mid.WriteError(w, http.StatusBadRequest, "url is required")
			return
		}
		p, created, err := svc.RegisterPage(r.Context(), req)
		if err != nil && p.ID == "" {
			writeErr(w, logger, err)
			return
		}
		if err != nil {
			logger.Warn("page registered but not queued", "page_id", p.ID, "err", err)
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		mid.WriteJSON(w, status, RegisterResponse{Page: p, Created: created})
	}
}

// ActionRequest is the optional JSON body of page actions.
type ActionRequest struct {
	Keywords string `json:"keywords,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	SearchID string `json:"searchId,omitempty"`
}

func withBody(logger *slog.Logger, f func(*http.Request, ActionRequest) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var b ActionRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
				mid.WriteError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}
		v, err := f(r, b)
		respond(w, logger, v, err)
	}
}

func handleListPages(list Lister, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		offset, limit := window(q.Get("offset"), q.Get("limit"))
		pages, err := list.ListPages(r.Context(), store.PageFilter{
			SearchStatus:  domain.SearchStatus(q.Get("searchStatus")),
			KeywordStatus: domain.ApprovalStatus(q.Get("keywordStatus")),
			Offset:        offset,
			Limit:         limit,
		})
		if pages == nil {
			pages = []domain.Page{}
		}
		respond(w, logger, pages, err)
	}
}

func handleListSearches(list Lister, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		offset, limit := window(q.Get("offset"), q.Get("limit"))
		rows, err := list.ListSearches(r.Context(), store.SearchFilter{
			Platform: domain.Platform(q.Get("platform")),
			Status:   domain.SearchRowStatus(q.Get("status")),
			Offset:   offset,
			Limit:    limit,
		})
		if rows == nil {
			rows = []domain.Search{}
		}
		respond(w, logger, rows, err)
	}
}

func handleSimilar(similar Similarity, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if similar == nil {
			mid.WriteError(w, http.StatusServiceUnavailable, "product catalog disabled")
			return
		}
		q := r.URL.Query()
		text := q.Get("q")
		if text == "" {
			mid.WriteError(w, http.StatusBadRequest, "q is required")
			return
		}
		_, limit := window("", q.Get("limit"))
		filters := map[string]string{}
		if p := q.Get("platform"); p != "" {
			filters["data_source"] = p
		}
		hits, err := similar.Similar(r.Context(), text, limit, filters)
		if hits == nil {
			hits = []catalog.Hit{}
		}
		respond(w, logger, hits, err)
	}
}

func window(offset, limit string) (int, int) {
	o, _ := strconv.Atoi(offset)
	l, _ := strconv.Atoi(limit)
	if o < 0 {
		o = 0
	}
	if l <= 0 || l > 100 {
		l = 20
	}
	return o, l
}

func respond(w http.ResponseWriter, logger *slog.Logger, v any, err error) {
	if err != nil {
		writeErr(w, logger, err)
		return
	}
	mid.WriteJSON(w, http.StatusOK, v)
}

// writeErr maps engine errors to HTTP statuses.
func writeErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		mid.WriteError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		mid.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrIllegalTransition), errors.Is(err, domain.ErrPageBusy):
		mid.WriteError(w, http.StatusConflict, err.Error())
	default:
		logger.Error("request failed", "err", err)
		mid.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
