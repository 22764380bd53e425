// Package gateway terminates inbound webhooks: it verifies signatures,
// enforces the repository allowlist, normalizes events, and hands accepted
// pushes to the pipeline. Responses depend only on inbound validation; stage
// failures downstream never surface here.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"code-review-service/internal/model"
	"code-review-service/internal/store"
)

const maxBodyBytes = 5 << 20 // GitHub caps webhook payloads at 25MB; pushes are far smaller

// RecordReader is the read-only persistence surface the gateway needs.
type RecordReader interface {
	GetCommit(ctx context.Context, sha string) (model.CommitRecord, error)
	ListCommits(ctx context.Context, limit, offset int) ([]model.CommitRecord, error)
	GetRepositoryConfig(ctx context.Context, owner, name string) (model.RepositoryConfig, error)
}

// FetchTrigger starts the fetch stage for an accepted push event.
type FetchTrigger interface {
	RunFetch(ctx context.Context, event model.Event)
}

// Handler is the container for API dependencies.
type Handler struct {
	records RecordReader
	trigger FetchTrigger
	logger  *slog.Logger

	// process-wide fallbacks when no repository_configs row exists
	secret       string
	allowedOwner string
	allowedName  string
}

// NewRouter creates and configures a chi router with all routes.
func NewRouter(records RecordReader, trigger FetchTrigger, secret, allowedOwner, allowedName string, logger *slog.Logger) http.Handler {
	h := &Handler{
		records:      records,
		trigger:      trigger,
		logger:       logger,
		secret:       secret,
		allowedOwner: allowedOwner,
		allowedName:  allowedName,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", h.healthCheck)
	r.Post("/webhook/github", h.handleWebhook)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/commits", h.listCommits)
		r.Get("/commits/{sha}", h.getCommit)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook validates an inbound GitHub webhook and dispatches push
// events asynchronously. The response is decided entirely by validation:
// 500 for missing configuration, 403 for signature or allowlist failures,
// 400 for malformed payloads, 200 otherwise.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}

	// Lenient pre-parse of repository identity so the per-repository secret
	// can be resolved. Signature verification still runs over the raw bytes.
	owner, name := peekRepository(body)

	secret := h.secret
	if owner != "" && name != "" {
		rc, err := h.records.GetRepositoryConfig(r.Context(), owner, name)
		switch {
		case err == nil:
			if rc.WebhookSecret != "" {
				secret = rc.WebhookSecret
			}
		case errors.Is(err, store.ErrNotFound):
			// fall back to process configuration
		default:
			h.logger.Error("Failed to load repository config", "owner", owner, "repo", name, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
	}

	if secret == "" {
		respondWithError(w, http.StatusInternalServerError, "Webhook secret not configured")
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		respondWithError(w, http.StatusForbidden, "Missing signature header")
		return
	}
	if !VerifySignature(body, signature, secret) {
		respondWithError(w, http.StatusForbidden, "Invalid signature")
		return
	}
	if !json.Valid(body) {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if !Authorized(owner, name, h.allowedOwner, h.allowedName) {
		respondWithError(w, http.StatusForbidden, "Repository "+owner+"/"+name+" is not allowed for code review")
		return
	}

	kind := r.Header.Get("X-GitHub-Event")
	event, err := ParseEvent(kind, body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	switch event.Kind {
	case model.EventPush:
		if len(event.Commits) == 0 {
			respondWithError(w, http.StatusBadRequest, "Push event contains no usable commits")
			return
		}
		// Fire and forget: the fetch stage must not hold up the webhook
		// response, and must outlive this request.
		go h.trigger.RunFetch(context.WithoutCancel(r.Context()), event)

		h.logger.Info("Push event accepted", "owner", event.Owner, "repo", event.Repo, "branch", event.Branch, "commits", len(event.Commits))
		respondWithJSON(w, http.StatusOK, map[string]any{
			"status":     "accepted",
			"message":    "Push event accepted for analysis",
			"repository": event.Owner + "/" + event.Repo,
			"branch":     event.Branch,
			"commits":    len(event.Commits),
		})

	case model.EventPing:
		respondWithJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"message": "pong",
			"hook_id": event.HookID,
		})

	default:
		respondWithJSON(w, http.StatusOK, map[string]any{
			"status":  "ignored",
			"message": "Event type " + kind + " is ignored",
		})
	}
}

// listCommits returns stored records, newest first.
// GET /v1/commits?limit=N&offset=M
func (h *Handler) listCommits(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 20, 1, 100)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 100.")
		return
	}
	offset, ok := queryInt(r, "offset", 0, 0, 1<<30)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid 'offset' parameter.")
		return
	}

	recs, err := h.records.ListCommits(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list commits", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if recs == nil {
		recs = []model.CommitRecord{}
	}
	respondWithJSON(w, http.StatusOK, recs)
}

// getCommit returns one record including its analysis.
// GET /v1/commits/{sha}
func (h *Handler) getCommit(w http.ResponseWriter, r *http.Request) {
	sha := chi.URLParam(r, "sha")

	rec, err := h.records.GetCommit(r.Context(), sha)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Commit not found")
			return
		}
		h.logger.Error("Failed to get commit", "sha", sha, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

// peekRepository extracts owner/name without validating the rest of the
// payload. Invalid JSON simply yields empty strings; strict validation
// happens after the signature check.
func peekRepository(body []byte) (owner, name string) {
	var p struct {
		Repository struct {
			Name  string `json:"name"`
			Owner struct {
				Login string `json:"login"`
				Name  string `json:"name"`
			} `json:"owner"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return "", ""
	}
	owner = p.Repository.Owner.Login
	if owner == "" {
		owner = p.Repository.Owner.Name
	}
	return owner, p.Repository.Name
}

func queryInt(r *http.Request, key string, def, min, max int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, false
	}
	return v, true
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"status": "error", "message": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
