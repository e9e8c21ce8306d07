// Package httpfake is a scriptable in-process game server for tests.
package httpfake

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	RouteRound   = "round"
	RouteAnswer  = "answer"
	RouteScores  = "scores"
	RouteResults = "results"
	RouteFinish  = "finish"
)

// Response is one scripted reply.
type Response struct {
	Status int
	Header map[string]string
	Body   any
	Delay  time.Duration
}

// JSON replies with status and body encoded as JSON.
func JSON(status int, body any) Response {
	return Response{Status: status, Body: body}
}

// Phase replies with an empty status response carrying x-round-phase.
func Phase(status int, phase string) Response {
	return Response{Status: status, Header: map[string]string{"x-round-phase": phase}}
}

// Round replies 200 with a two-option round payload.
func Round(id string, serverTimeMs, expiresAtMs int64) Response {
	return JSON(http.StatusOK, map[string]any{
		"roundId":      id,
		"question":     "Question " + id,
		"options":      []map[string]string{{"id": "a", "text": "A"}, {"id": "b", "text": "B"}},
		"roundNo":      1,
		"category":     "general",
		"expiresAtMs":  expiresAtMs,
		"serverTimeMs": serverTimeMs,
	})
}

// Answer records one answer request as the server saw it.
type Answer struct {
	SessionID      string
	RoundID        string
	IdempotencyKey string
	OptionID       string `json:"optionId"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
}

// Server replays scripted responses per route. Each route consumes its
// script in order and repeats the last entry; an unscripted route answers
// 204.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	scripts  map[string][]Response
	counts   map[string]int
	answers  []Answer
	inFlight int
	maxRound int
}

func New() *Server {
	s := &Server{
		scripts: make(map[string][]Response),
		counts:  make(map[string]int),
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/rounds/current", s.handleRound)
		r.Post("/rounds/{roundId}/answers", s.handleAnswer)
		r.Get("/scores", s.serve(RouteScores))
		r.Post("/finish", s.serve(RouteFinish))
	})
	r.Get("/results/{id}", s.serve(RouteResults))
	r.Get("/reaction/sessions/{id}/results", s.serve(RouteResults))
	return r
}

// Script replaces the responses of route.
func (s *Server) Script(route string, responses ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[route] = responses
	s.counts[route] = 0
}

// Count returns how many requests route received.
func (s *Server) Count(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[route]
}

// MaxConcurrentRounds returns the highest number of overlapping
// current-round requests seen.
func (s *Server) MaxConcurrentRounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRound
}

func (s *Server) Answers() []Answer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Answer(nil), s.answers...)
}

func (s *Server) handleRound(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxRound {
		s.maxRound = s.inFlight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()
	s.serve(RouteRound)(w, r)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	a := Answer{
		SessionID:      chi.URLParam(r, "id"),
		RoundID:        chi.URLParam(r, "roundId"),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	body, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(body, &a)
	s.mu.Lock()
	s.answers = append(s.answers, a)
	s.mu.Unlock()
	s.serve(RouteAnswer)(w, r)
}

func (s *Server) serve(route string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := s.next(route)
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}
		for k, v := range resp.Header {
			w.Header().Set(k, v)
		}
		if resp.Body == nil {
			w.WriteHeader(resp.Status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		_ = json.NewEncoder(w).Encode(resp.Body)
	}
}

func (s *Server) next(route string) Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.counts[route]
	s.counts[route]++
	script := s.scripts[route]
	if len(script) == 0 {
		return Response{Status: http.StatusNoContent}
	}
	if idx >= len(script) {
		idx = len(script) - 1
	}
	return script[idx]
}
