package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"courier/internal/log"
	"courier/internal/optimize"
	"courier/internal/queue"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type handlers struct {
	mgr     *queue.Manager
	archive ArchiveReader
	logger  *log.Logger
}

func millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

type createQueueRequest struct {
	Name                string           `json:"name"`
	Mode                queue.Mode       `json:"mode"`
	Durable             bool             `json:"durable"`
	MaxLength           int              `json:"maxLength"`
	MessageTTLMs        int64            `json:"messageTTL"`
	MaxRetries          int              `json:"maxRetries"`
	VisibilityTimeoutMs int64            `json:"visibilityTimeout"`
	DeadLetterQueue     string           `json:"deadLetterQueue"`
	Optimization        *optimize.Config `json:"optimization"`
}

type enqueueRequest struct {
	Payload              json.RawMessage    `json:"payload"`
	Priority             int                `json:"priority"`
	DelayMs              int64              `json:"delay"`
	DelayUntil           int64              `json:"delayUntil"`
	MaxRetries           int                `json:"maxRetries"`
	TTLMs                int64              `json:"ttl"`
	VisibilityTimeoutMs  int64              `json:"visibilityTimeout"`
	CorrelationID        string             `json:"correlationId"`
	UserID               string             `json:"userId"`
	SessionID            string             `json:"sessionId"`
	Tags                 []string           `json:"tags"`
	DeduplicationKey     string             `json:"deduplicationKey"`
	EnableOptimization   *bool              `json:"enableOptimization"`
	StripNulls           *bool              `json:"stripNulls"`
	ShortFieldNames      *bool              `json:"shortFieldNames"`
	FoldArrays           *bool              `json:"foldArrays"`
	EnableCompression    *bool              `json:"enableCompression"`
	CompressionThreshold *int               `json:"compressionThreshold"`
	CompressionAlgorithm optimize.Algorithm `json:"compressionAlgorithm"`
}

type nackRequest struct {
	Reason     string `json:"reason"`
	DelayMs    int64  `json:"delay"`
	DeadLetter bool   `json:"deadLetter"`
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *handlers) badRequest(w http.ResponseWriter, msg string) {
	h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (h *handlers) createQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Invalid request body")
		return
	}
	cfg := queue.QueueConfig{
		Name:              req.Name,
		Mode:              req.Mode,
		Durable:           req.Durable,
		MaxLength:         req.MaxLength,
		MessageTTL:        millis(req.MessageTTLMs),
		MaxRetries:        req.MaxRetries,
		VisibilityTimeout: millis(req.VisibilityTimeoutMs),
		DeadLetterQueue:   req.DeadLetterQueue,
		Optimization:      req.Optimization,
	}
	if err := h.mgr.CreateQueue(r.Context(), cfg); err != nil {
		h.fail(w, r, err)
		return
	}
	created, _ := h.mgr.Queue(req.Name)
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *handlers) listQueues(w http.ResponseWriter, r *http.Request) {
	if _, err := h.mgr.Discover(r.Context()); err != nil {
		h.logger.Warn("Queue discovery failed", zap.Error(err))
	}
	h.writeJSON(w, http.StatusOK, h.mgr.Queues())
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.mgr.Stats(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Invalid request body")
		return
	}
	if len(req.Payload) == 0 {
		h.badRequest(w, "Missing payload")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = subject(r.Context())
	}
	start := time.Now()
	id, err := h.mgr.Enqueue(r.Context(), chi.URLParam(r, "name"), req.Payload, queue.EnqueueOptions{
		Priority:             req.Priority,
		Delay:                millis(req.DelayMs),
		DelayUntil:           req.DelayUntil,
		MaxRetries:           req.MaxRetries,
		TTL:                  millis(req.TTLMs),
		VisibilityTimeout:    millis(req.VisibilityTimeoutMs),
		CorrelationID:        req.CorrelationID,
		UserID:               userID,
		SessionID:            req.SessionID,
		Tags:                 req.Tags,
		DeduplicationKey:     req.DeduplicationKey,
		EnableOptimization:   req.EnableOptimization,
		StripNulls:           req.StripNulls,
		ShortFieldNames:      req.ShortFieldNames,
		FoldArrays:           req.FoldArrays,
		EnableCompression:    req.EnableCompression,
		CompressionThreshold: req.CompressionThreshold,
		CompressionAlgorithm: req.CompressionAlgorithm,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Debug("Enqueued message", zap.String("id", id), zap.Duration("duration", time.Since(start)))
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handlers) dequeue(w http.ResponseWriter, r *http.Request) {
	var opts queue.DequeueOptions
	if raw := r.URL.Query().Get("visibilityTimeout"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			h.badRequest(w, "visibilityTimeout must be a positive number of milliseconds")
			return
		}
		opts.VisibilityTimeout = millis(ms)
	}
	msg, err := h.mgr.Dequeue(r.Context(), chi.URLParam(r, "name"), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, msg)
}

func (h *handlers) ack(w http.ResponseWriter, r *http.Request) {
	ok, err := h.mgr.Ack(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"acked": ok})
}

func (h *handlers) nack(w http.ResponseWriter, r *http.Request) {
	var req nackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.badRequest(w, "Invalid request body")
			return
		}
	}
	if req.DelayMs < 0 {
		h.badRequest(w, "delay must not be negative")
		return
	}
	ok, err := h.mgr.Nack(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "id"), req.Reason, queue.NackOptions{
		Delay:      millis(req.DelayMs),
		DeadLetter: req.DeadLetter,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"nacked": ok})
}

func (h *handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 10
	}
	entries, err := h.mgr.ListDeadLetters(r.Context(), chi.URLParam(r, "name"), offset, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) redrive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.mgr.Redrive(r.Context(), chi.URLParam(r, "name"), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "dead letter " + id + " not found"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"redriven": true})
}

func (h *handlers) purgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.mgr.PurgeDeadLetters(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

func (h *handlers) listArchived(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 10
	}
	entries, err := h.archive.List(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}
