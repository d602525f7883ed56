package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-archives/enrich-cli/internal/model"
	"github.com/meridian-archives/enrich-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read/review HTTP API",
	Long:  "Serves job progress, enriched documents, the review queue and cost summaries over HTTP. Reviews can be approved or rejected through the API; enrichment itself stays with the worker processes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initStoreEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		api := &apiServer{env: env}

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type"},
		}))

		r.Get("/health", api.handleHealth)
		r.Route("/api", func(r chi.Router) {
			r.Get("/jobs", api.handleListJobs)
			r.Get("/jobs/{id}", api.handleGetJob)
			r.Get("/documents/{id}", api.handleGetDocument)
			r.Get("/reviews", api.handleListReviews)
			r.Post("/reviews/{id}/approve", api.handleApproveReview)
			r.Post("/reviews/{id}/reject", api.handleRejectReview)
			r.Get("/costs", api.handleCosts)
			r.Get("/metrics", api.handleMetrics)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

type apiServer struct {
	env *appEnv
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.env.Store.ListJobs(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.env.Store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		job, err = s.env.Store.GetJobByName(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if job == nil {
		writeError(w, http.StatusNotFound, eris.Errorf("job not found: %s", id))
		return
	}

	docs, err := s.env.Store.ListDocuments(r.Context(), job.ID, 1000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "documents": docs})
}

func (s *apiServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.env.Store.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, eris.New("document not found"))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *apiServer) handleListReviews(w http.ResponseWriter, r *http.Request) {
	status := model.ReviewStatusPending
	if v := r.URL.Query().Get("status"); v != "" {
		status = model.ReviewStatus(v)
	}
	tasks, err := s.env.Store.ListReviewTasks(r.Context(), status, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": tasks})
}

func (s *apiServer) handleApproveReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResolvedBy string         `json:"resolved_by"`
		Edits      map[string]any `json:"edits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "api"
	}

	doc, err := s.env.Router.Approve(r.Context(), chi.URLParam(r, "id"), req.ResolvedBy, req.Edits)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *apiServer) handleRejectReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResolvedBy string `json:"resolved_by"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "api"
	}

	requeued, err := s.env.Router.Reject(r.Context(), chi.URLParam(r, "id"), req.ResolvedBy)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": requeued})
}

// handleCosts summarizes spend, filtered by ?job=, ?day=YYYY-MM-DD
// or ?hours=.
func (s *apiServer) handleCosts(w http.ResponseWriter, r *http.Request) {
	filter := store.CostFilter{JobID: r.URL.Query().Get("job")}
	if v := r.URL.Query().Get("day"); v != "" {
		day, err := time.ParseInLocation("2006-01-02", v, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, eris.Errorf("invalid day: %s", v))
			return
		}
		filter.Since = day
		filter.Until = day.AddDate(0, 0, 1)
	} else if v := r.URL.Query().Get("hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours < 0 {
			writeError(w, http.StatusBadRequest, eris.Errorf("invalid hours: %s", v))
			return
		}
		filter.Since = time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	}

	aggs, err := s.env.Store.SummarizeCost(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	var total float64
	for _, a := range aggs {
		total += a.AmountUSD
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_usd": total,
		"by_tool":   aggs,
	})
}

func (s *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	lookback := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, eris.Errorf("invalid hours: %s", v))
			return
		}
		lookback = hours
	}

	snap, err := s.env.Collector.Collect(r.Context(), lookback)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
