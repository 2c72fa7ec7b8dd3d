package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/regexner/internal/ner"
	"github.com/raaihank/regexner/internal/store"
	"github.com/raaihank/regexner/internal/websocket"
)

// AnnotateResponse is returned by POST /annotate
type AnnotateResponse struct {
	RequestID    string        `json:"request_id"`
	Corpus       *ner.Corpus   `json:"corpus"`
	Mentions     []ner.Mention `json:"mentions"`
	CacheHits    int           `json:"cache_hits"`
	Stored       int64         `json:"stored"`
	ProcessingMS float64       `json:"processing_ms"`
}

// RulesResponse is returned by GET /rules
type RulesResponse struct {
	Fingerprint string             `json:"fingerprint"`
	Options     ner.CompileOptions `json:"options"`
	Labels      []string           `json:"labels"`
	Rules       []ner.Rule         `json:"rules"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"rules":     s.pipeline.Annotator().Rules().Len(),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	annotator := s.pipeline.Annotator()
	rules := annotator.Rules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":              "regexner",
		"version":           Version,
		"rules":             rules.Len(),
		"labels":            rules.Labels(),
		"fingerprint":       rules.Fingerprint(),
		"background_symbol": annotator.Background(),
		"ignore_case":       rules.Options().IgnoreCase,
		"cache_enabled":     s.config.Cache.Enabled,
		"store_enabled":     s.config.Store.Enabled,
		"websocket_enabled": s.wsHub != nil,
		"rate_limited":      s.limiter != nil,
		"uptime":            time.Since(s.startTime).Round(time.Second).String(),
		"annotator":         annotator.Stats(),
	})
}

// handleRules lists the rule table currently in use
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules := s.pipeline.Annotator().Rules()
	writeJSON(w, http.StatusOK, RulesResponse{
		Fingerprint: rules.Fingerprint(),
		Options:     rules.Options(),
		Labels:      rules.Labels(),
		Rules:       rules.Rules(),
	})
}

// handleAnnotate annotates the posted corpus and returns it with its mentions
func (s *Server) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	log := s.logger.WithRequestID(requestID)

	if s.config.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	}

	var corpus ner.Corpus
	if err := json.NewDecoder(r.Body).Decode(&corpus); err != nil {
		log.Debug("Invalid annotate request", zap.Error(err))
		writeErrorWithID(w, http.StatusBadRequest, "invalid request body: "+err.Error(), requestID)
		return
	}
	if corpus.ID != "" {
		log = log.WithCorpus(corpus.ID)
	}

	start := time.Now()
	result, err := s.pipeline.ProcessCorpus(r.Context(), &corpus)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error("Annotation failed", zap.Error(err))
		} else {
			log.Info("Annotation rejected", zap.Error(err))
		}
		writeErrorWithID(w, status, err.Error(), requestID)
		return
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	mentions := result.Mentions
	if mentions == nil {
		mentions = []ner.Mention{}
	}

	if s.wsHub != nil {
		s.wsHub.BroadcastEvent(websocket.Event{
			Type:      websocket.EventTypeAnnotation,
			Timestamp: time.Now(),
			RequestID: requestID,
			Data: websocket.AnnotationEvent{
				RequestID:    requestID,
				CorpusID:     corpus.ID,
				ClientIP:     getClientIP(r),
				Sentences:    result.Sentences,
				Tokens:       countTokens(&corpus),
				Mentions:     mentions,
				Labels:       countLabels(mentions),
				CacheHits:    result.CacheHits,
				ProcessingMS: elapsed,
			},
		})
	}

	writeJSON(w, http.StatusOK, AnnotateResponse{
		RequestID:    requestID,
		Corpus:       &corpus,
		Mentions:     mentions,
		CacheHits:    result.CacheHits,
		Stored:       result.Stored,
		ProcessingMS: elapsed,
	})
}

// handleMentions returns the stored mentions of one corpus
func (s *Server) handleMentions(w http.ResponseWriter, r *http.Request) {
	corpusID := mux.Vars(r)["corpus_id"]

	mentions, err := s.mentions.ByCorpus(r.Context(), corpusID)
	if err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Failed to read mentions",
			zap.String("corpus_id", corpusID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read mentions")
		return
	}
	if mentions == nil {
		mentions = []*store.Mention{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"corpus_id": corpusID,
		"mentions":  mentions,
	})
}

// statusFor maps pipeline errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case ner.IsConfigurationError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func countTokens(c *ner.Corpus) int {
	n := 0
	for _, sent := range c.Sentences {
		n += len(sent.Tokens)
	}
	return n
}

func countLabels(mentions []ner.Mention) map[string]int {
	counts := make(map[string]int)
	for _, m := range mentions {
		counts[m.Label]++
	}
	return counts
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeErrorWithID(w http.ResponseWriter, status int, message, requestID string) {
	writeJSON(w, status, errorResponse{Error: message, RequestID: requestID})
}
