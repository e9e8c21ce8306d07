package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"roundsync/internal/domain"
)

// PhaseHeader carries the round phase on 204/404 current-round responses.
const PhaseHeader = "x-round-phase"

// IdempotencyHeader lets the server deduplicate retried answers.
const IdempotencyHeader = "Idempotency-Key"

// Client talks to the game REST API. Transport failures never escape the
// polling methods; they come back as domain.Transient or a zero status.
type Client struct {
	baseURL string
	game    domain.GameType
	client  *http.Client
	headers map[string]string
	log     zerolog.Logger
}

func NewClient(baseURL string, game domain.GameType) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		game:    game,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		headers: make(map[string]string),
		log:     zerolog.Nop(),
	}
}

func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

func (c *Client) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

func (c *Client) SetLogger(log zerolog.Logger) {
	c.log = log
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any, headers map[string]string) (response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return response{}, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("failed to read response body: %w", err)
	}
	c.log.Debug().
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(started)).
		Msg("api request")
	return response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func sessionPath(sessionID string, parts ...string) string {
	path := "/sessions/" + url.PathEscape(sessionID)
	for _, p := range parts {
		path += "/" + p
	}
	return path
}

// CurrentRound fetches and classifies the current round.
func (c *Client) CurrentRound(ctx context.Context, sessionID string) domain.RoundPollResult {
	resp, err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "rounds", "current"), nil, nil)
	if err != nil {
		return domain.Transient{Err: err}
	}

	switch resp.status {
	case http.StatusOK:
		round, err := decodeRound(resp.body)
		if err != nil {
			return domain.Transient{Status: resp.status, Err: err}
		}
		return domain.ActiveRound{Round: round}
	case http.StatusNoContent, http.StatusNotFound:
		switch domain.Phase(strings.ToUpper(strings.TrimSpace(resp.header.Get(PhaseHeader)))) {
		case domain.PhaseWaitingNext:
			return domain.WaitingNext{}
		case domain.PhaseFinished:
			return domain.Finished{}
		}
	}
	return domain.Transient{Status: resp.status}
}

// SubmitAnswer posts an answer. Every HTTP status is returned in the reply.
func (c *Client) SubmitAnswer(ctx context.Context, sessionID, roundID string, req domain.AnswerRequest) (domain.SubmitReply, error) {
	var headers map[string]string
	if req.IdempotencyKey != "" {
		headers = map[string]string{IdempotencyHeader: req.IdempotencyKey}
	}
	resp, err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "rounds", url.PathEscape(roundID), "answers"), req, headers)
	if err != nil {
		return domain.SubmitReply{}, err
	}

	reply := domain.SubmitReply{Status: resp.status}
	var body submitPayload
	if len(bytes.TrimSpace(resp.body)) > 0 && json.Unmarshal(resp.body, &body) == nil {
		reply.Correct = body.Correct
		reply.AllSubmitted = body.AllSubmitted
		reply.SubmittedCount = body.SubmittedCount
		reply.ExpectedParticipants = body.ExpectedParticipants
		reply.AlreadySubmitted = body.AlreadySubmitted
		reply.Code = body.Code
	}
	return reply, nil
}

// Scores fetches the partial leaderboard.
func (c *Client) Scores(ctx context.Context, sessionID string) ([]domain.ScoreEntry, error) {
	resp, err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "scores"), nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, fmt.Errorf("%w: scores returned %d", domain.ErrUnexpectedStatus, resp.status)
	}
	return decodeStandings(resp.body, "scores")
}

// Results fetches final standings. A 200 without rows reports no standings,
// which callers treat as not ready.
func (c *Client) Results(ctx context.Context, sessionID string) domain.ResultsReply {
	resp, err := c.do(ctx, http.MethodGet, c.resultsPath(sessionID), nil, nil)
	if err != nil {
		return domain.ResultsReply{Err: err}
	}
	reply := domain.ResultsReply{Status: resp.status}
	if resp.status == http.StatusOK {
		standings, err := decodeStandings(resp.body, "standings", "rankings", "results")
		if err != nil {
			c.log.Debug().Err(err).Msg("undecodable results payload")
		}
		reply.Standings = standings
	}
	return reply
}

// Finish asks the server to finalize the session. It is safe to repeat.
func (c *Client) Finish(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "finish"), nil, nil)
	if err != nil {
		return err
	}
	if resp.status < 200 || resp.status >= 300 {
		return fmt.Errorf("%w: finish returned %d", domain.ErrUnexpectedStatus, resp.status)
	}
	return nil
}

func (c *Client) resultsPath(sessionID string) string {
	if c.game == domain.GameReaction {
		return "/reaction" + sessionPath(sessionID, "results")
	}
	return "/results/" + url.PathEscape(sessionID)
}
