// Command server exposes the orchestrator over HTTP: the submission,
// query, stream, and cancel endpoints described in spec §6.
//
// Startup order mirrors tts-worker/cmd/main.go: persistence and broker
// backends are either dialed-and-verified (Fatal on failure) or
// downgraded to an in-memory/no-op fallback when their env var is
// unset, so the server never hard-depends on Postgres/RabbitMQ/Redis
// in a development environment.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"notepipe/internal/cache"
	"notepipe/internal/config"
	"notepipe/internal/events"
	"notepipe/internal/gate"
	"notepipe/internal/model"
	"notepipe/internal/orchestrator"
	"notepipe/internal/persistence"
	"notepipe/internal/registry"
	"notepipe/internal/taggen"
	"notepipe/internal/taskerr"
)

const busCapacity = 32

func main() {
	cfg := config.Load()

	cacheStore := buildCache(cfg)
	store := buildPersistence(cfg)
	publisher := buildPublisher(cfg)
	defer publisher.Close()

	client := buildModelClient(cfg)
	tagGen := taggen.New(client, store, cfg.MaxExistingTags, cfg.MaxTagsPerContent)

	reg := registry.New(busCapacity)
	g := gate.New(cfg.MaxConcurrentTasks)

	o := orchestrator.New(reg, g, cacheStore, client, store, tagGen, publisher)
	o.TaskTimeout = cfg.TaskTimeout
	o.QueueWaitTimeout = cfg.QueueWaitTimeout
	o.MinNotesThreshold = cfg.MinNotesThreshold
	o.ConfidenceThreshold = cfg.ConfidenceThreshold
	o.PerTaskFanoutLimit = cfg.PerTaskFanoutLimit
	o.Limits.MaxContentLength = cfg.MaxContentLength
	o.Limits.MaxNotesPerWorkflow = cfg.MaxNotesPerWorkflow

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go reg.RunSweeper(sweepCtx, time.Minute, cfg.TaskRetentionTTL)

	mux := http.NewServeMux()
	registerRoutes(mux, o)

	port := getEnv("SERVER_PORT", "8080")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  0, // streaming uploads and SSE both need unbounded reads/writes
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("server: listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: listen: %v", err)
		}
	}()

	<-shutdownCh
	log.Println("server: received shutdown signal, draining")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("server: graceful shutdown failed: %v", err)
	}
}

func buildCache(cfg config.Config) cache.Store {
	if cfg.RedisURL == "" {
		return cache.NewMemoryStore(cfg.CacheMaxEntries, cfg.CacheTTL)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("server: parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("server: connect to redis: %v", err)
	}
	log.Println("server: redis cache connected")
	return &cache.RedisStore{Client: rdb, TTL: cfg.CacheTTL}
}

func buildPersistence(cfg config.Config) persistence.Store {
	if cfg.DatabaseURL == "" {
		log.Println("server: DATABASE_URL unset, using in-memory persistence")
		return persistence.NewMemoryStore()
	}

	db, err := persistence.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("server: connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("server: ping database: %v", err)
	}
	if err := persistence.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("server: apply migrations: %v", err)
	}
	log.Println("server: database connected")
	return &persistence.PostgresStore{DB: db}
}

func buildPublisher(cfg config.Config) events.Publisher {
	if cfg.AMQPURL == "" {
		log.Println("server: AMQP_URL unset, outbox publishing disabled")
		return events.NoopPublisher{}
	}

	pub, err := events.NewAMQPPublisher(cfg.AMQPURL)
	if err != nil {
		log.Fatalf("server: connect to amqp: %v", err)
	}
	log.Println("server: amqp outbox connected")
	return pub
}

func buildModelClient(cfg config.Config) *model.Client {
	var provider model.Provider
	if cfg.ModelEndpointURL == "" {
		provider = &model.MockProvider{}
		log.Println("server: mock model provider enabled")
	} else {
		provider = &model.StandardProvider{
			EndpointURL:     cfg.ModelEndpointURL,
			APIKey:          cfg.ModelAPIKey,
			OCRModel:        cfg.OCRModelName,
			CorrectionModel: cfg.CorrectionModelName,
			SummaryModel:    cfg.SummaryModelName,
			TagModel:        cfg.TagModelName,
		}
		log.Println("server: standard model provider enabled")
	}

	client := model.NewClient(provider)
	client.Policy = model.RetryPolicy{MaxRetries: cfg.AIMaxRetries, Base: cfg.AIRetryBase}
	return client
}

func registerRoutes(mux *http.ServeMux, o *orchestrator.Orchestrator) {
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("POST /tasks/smart-note/image", handleSubmitSmartNoteImage(o))
	mux.HandleFunc("POST /tasks/smart-note/text", handleSubmitSmartNoteText(o))
	mux.HandleFunc("POST /tasks/multi-note", handleSubmitMultiNote(o))
	mux.HandleFunc("GET /tasks/{id}", handleGetTask(o))
	mux.HandleFunc("GET /tasks/{id}/result", handleGetResult(o))
	mux.HandleFunc("GET /tasks/{id}/stream", handleStream(o))
	mux.HandleFunc("DELETE /tasks/{id}", handleCancel(o))
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

const maxImageUploadBytes = 10 * 1024 * 1024

func handleSubmitSmartNoteImage(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxImageUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "malformed multipart form")
			return
		}

		file, header, err := r.FormFile("image")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "missing image file field")
			return
		}
		defer file.Close()

		imageBytes, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "failed to read image")
			return
		}

		owner := r.FormValue("owner")
		title := r.FormValue("title")
		contentType := header.Header.Get("Content-Type")

		id, err := o.SubmitSmartNoteImage(r.Context(), owner, title, imageBytes, contentType)
		writeSubmission(w, id, err)
	}
}

type smartNoteTextRequest struct {
	Owner string `json:"owner"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

func handleSubmitSmartNoteText(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req smartNoteTextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "malformed JSON body")
			return
		}

		id, err := o.SubmitSmartNoteText(r.Context(), req.Owner, req.Title, req.Text)
		writeSubmission(w, id, err)
	}
}

type noteInputRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type multiNoteRequest struct {
	Owner             string             `json:"owner"`
	Notes             []noteInputRequest `json:"notes"`
	MinNotesThreshold *int               `json:"min_notes_threshold"`
}

func handleSubmitMultiNote(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req multiNoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "malformed JSON body")
			return
		}

		notes := make([]orchestrator.NoteInput, 0, len(req.Notes))
		for _, n := range req.Notes {
			notes = append(notes, orchestrator.NoteInput{Title: n.Title, Content: n.Content})
		}

		id, err := o.SubmitMultiNoteSummary(r.Context(), req.Owner, notes, req.MinNotesThreshold)
		writeSubmission(w, id, err)
	}
}

func writeSubmission(w http.ResponseWriter, id string, err error) {
	if err != nil {
		if errors.Is(err, taskerr.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func handleGetTask(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := o.GetTask(r.PathValue("id"))
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleGetResult(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := o.GetResult(r.PathValue("id"))
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

func handleStream(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := o.Stream(r, w, r.PathValue("id")); err != nil {
			writeOrchestratorError(w, err)
			return
		}
	}
}

func handleCancel(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := o.Cancel(r.PathValue("id")); err != nil {
			writeOrchestratorError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orchestrator.ErrNotTerminal), errors.Is(err, orchestrator.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
