package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roundsync/internal/domain"
)

var errEmptyPayload = errors.New("empty payload")

type roundPayload struct {
	RoundID      string            `json:"roundId"`
	ID           string            `json:"id"`
	Question     string            `json:"question"`
	Options      []json.RawMessage `json:"options"`
	RoundNo      int               `json:"roundNo"`
	Category     string            `json:"category"`
	ExpiresAtMs  int64             `json:"expiresAtMs"`
	ExpiresAt    string            `json:"expiresAt"`
	ServerTimeMs int64             `json:"serverTimeMs"`
}

type optionPayload struct {
	ID       string `json:"id"`
	OptionID string `json:"optionId"`
	Text     string `json:"text"`
	Label    string `json:"label"`
}

func decodeRound(data []byte) (domain.Round, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return domain.Round{}, errEmptyPayload
	}
	var p roundPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Round{}, fmt.Errorf("decode round: %w", err)
	}
	id := p.RoundID
	if id == "" {
		id = p.ID
	}
	if id == "" {
		return domain.Round{}, fmt.Errorf("decode round: missing roundId")
	}

	round := domain.Round{
		ID:           id,
		Phase:        domain.PhaseActive,
		Question:     p.Question,
		RoundNo:      p.RoundNo,
		Category:     p.Category,
		ExpiresAtMs:  p.ExpiresAtMs,
		ServerTimeMs: p.ServerTimeMs,
	}
	if round.ExpiresAtMs == 0 && p.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, p.ExpiresAt); err == nil {
			round.ExpiresAtMs = t.UnixMilli()
		}
	}
	for i, raw := range p.Options {
		round.Options = append(round.Options, decodeOption(raw, i))
	}
	return round, nil
}

// decodeOption accepts either an option object or a bare string, in which
// case the string is both id and text.
func decodeOption(raw json.RawMessage, idx int) domain.Option {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return domain.Option{ID: text, Text: text}
	}
	var p optionPayload
	_ = json.Unmarshal(raw, &p)
	opt := domain.Option{ID: p.ID, Text: p.Text}
	if opt.ID == "" {
		opt.ID = p.OptionID
	}
	if opt.Text == "" {
		opt.Text = p.Label
	}
	if opt.ID == "" {
		opt.ID = fmt.Sprintf("%d", idx)
	}
	return opt
}

type submitPayload struct {
	Correct              bool   `json:"correct"`
	AllSubmitted         bool   `json:"allSubmitted"`
	SubmittedCount       int    `json:"submittedCount"`
	ExpectedParticipants int    `json:"expectedParticipants"`
	AlreadySubmitted     bool   `json:"alreadySubmitted"`
	Code                 string `json:"code"`
}

type scoreRow struct {
	UserUID           string `json:"userUid"`
	UserID            string `json:"userId"`
	TotalScore        *int64 `json:"totalScore"`
	Score             *int64 `json:"score"`
	Rank              int    `json:"rank"`
	CorrectCount      *int   `json:"correctCount"`
	TotalResponseTime *int64 `json:"totalResponseTime"`
	ResponseTimeMs    *int64 `json:"responseTimeMs"`
	DNF               bool   `json:"dnf"`
}

func (r scoreRow) entry() domain.ScoreEntry {
	e := domain.ScoreEntry{
		UserUID:        r.UserUID,
		Rank:           r.Rank,
		CorrectCount:   r.CorrectCount,
		ResponseTimeMs: r.ResponseTimeMs,
		DNF:            r.DNF,
	}
	if e.UserUID == "" {
		e.UserUID = r.UserID
	}
	switch {
	case r.TotalScore != nil:
		e.Score = *r.TotalScore
	case r.Score != nil:
		e.Score = *r.Score
	}
	if e.ResponseTimeMs == nil {
		e.ResponseTimeMs = r.TotalResponseTime
	}
	return e
}

// decodeStandings reads a bare array of rows or an object that wraps the
// rows under one of keys.
func decodeStandings(data []byte, keys ...string) ([]domain.ScoreEntry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var rows []scoreRow
	if data[0] == '[' {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("decode standings: %w", err)
		}
	} else {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("decode standings: %w", err)
		}
		for _, key := range keys {
			raw, ok := wrapped[key]
			if !ok {
				continue
			}
			if err := json.Unmarshal(raw, &rows); err != nil {
				return nil, fmt.Errorf("decode standings %s: %w", key, err)
			}
			break
		}
	}

	out := make([]domain.ScoreEntry, 0, len(rows))
	for _, r := range rows {
		e := r.entry()
		if e.UserUID == "" {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
