package domain

import "time"

// GameType selects the ranking direction and the results endpoint.
type GameType string

const (
	GameQuiz     GameType = "quiz"
	GameReaction GameType = "reaction"
)

// ParseGameType maps a flag value onto a GameType, defaulting to quiz.
func ParseGameType(raw string) GameType {
	if GameType(raw) == GameReaction {
		return GameReaction
	}
	return GameQuiz
}

// Phase is the server-reported lifecycle stage of the round sequence.
type Phase string

const (
	PhaseNoRound     Phase = "NO_ROUND"
	PhaseActive      Phase = "ACTIVE"
	PhaseWaitingNext Phase = "WAITING_NEXT"
	PhaseFinished    Phase = "FINISHED"
	// PhaseAggregating and the two done phases only exist on the client side.
	PhaseAggregating  Phase = "AGGREGATING"
	PhaseDone         Phase = "DONE"
	PhaseDegradedDone Phase = "DEGRADED_DONE"
)

// Terminal reports whether no further transition can happen.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseDegradedDone
}

// Option is one selectable answer of a round.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Round is one timed question/challenge. ExpiresAtMs and ServerTimeMs are
// both server-clock values and only meaningful together.
type Round struct {
	ID           string   `json:"roundId"`
	Phase        Phase    `json:"phase"`
	Question     string   `json:"question"`
	Options      []Option `json:"options"`
	RoundNo      int      `json:"roundNo"`
	Category     string   `json:"category,omitempty"`
	ExpiresAtMs  int64    `json:"expiresAtMs"`
	ServerTimeMs int64    `json:"serverTimeMs"`
}

// HasTiming reports whether both server timestamps are present.
func (r Round) HasTiming() bool {
	return r.ExpiresAtMs > 0 && r.ServerTimeMs > 0
}

// HasOption reports whether optionID belongs to the round's option set.
func (r Round) HasOption(optionID string) bool {
	for _, opt := range r.Options {
		if opt.ID == optionID {
			return true
		}
	}
	return false
}

// SubmissionState tracks the local user's answer for the current round.
type SubmissionState struct {
	HasSubmitted     bool   `json:"hasSubmitted"`
	InFlight         bool   `json:"inFlight"`
	SelectedOptionID string `json:"selectedOptionId,omitempty"`
	// Forced is set when the countdown expired before the user answered.
	Forced bool `json:"forced,omitempty"`
}

// WaitingInfo is shown after a successful submission while others answer.
type WaitingInfo struct {
	SubmittedCount       int `json:"submittedCount"`
	ExpectedParticipants int `json:"expectedParticipants"`
}

// PollSchedule is the backoff state of one aggregation run.
type PollSchedule struct {
	Delay           time.Duration `json:"delay"`
	Attempt         int           `json:"attempt"`
	LastReinforceAt time.Time     `json:"lastReinforceAt"`
}

// ScoreEntry is one leaderboard row.
type ScoreEntry struct {
	UserUID        string `json:"userUid"`
	Score          int64  `json:"score"`
	Rank           int    `json:"rank"`
	ResponseTimeMs *int64 `json:"responseTimeMs,omitempty"`
	CorrectCount   *int   `json:"correctCount,omitempty"`
	// DNF marks a participant with no usable measurement; such rows carry rank 0.
	DNF bool `json:"dnf,omitempty"`
}

// FinalResult is the terminal output of the aggregation phase.
type FinalResult struct {
	SessionID   string       `json:"sessionId"`
	GameType    GameType     `json:"gameType"`
	Standings   []ScoreEntry `json:"standings"`
	Degraded    bool         `json:"degraded"`
	CompletedAt time.Time    `json:"completedAt"`
}

// AnswerRequest is the body of an answer submission.
type AnswerRequest struct {
	OptionID       string `json:"optionId"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	// IdempotencyKey travels as a header, not in the body.
	IdempotencyKey string `json:"-"`
}

// SubmitReply is the decoded answer response for any status code.
type SubmitReply struct {
	Status               int
	Correct              bool
	AllSubmitted         bool
	SubmittedCount       int
	ExpectedParticipants int
	AlreadySubmitted     bool
	Code                 string
}

// ResultsReply is the decoded final-results response. Err is set on
// transport failures, in which case Status is zero.
type ResultsReply struct {
	Status    int
	Standings []ScoreEntry
	Err       error
}

// Snapshot is the observable state of a synchronization engine.
type Snapshot struct {
	SessionID           string          `json:"sessionId"`
	Phase               Phase           `json:"phase"`
	Round               *Round          `json:"round,omitempty"`
	RemainingSec        int             `json:"remainingSec"`
	Submission          SubmissionState `json:"submission"`
	Waiting             *WaitingInfo    `json:"waiting,omitempty"`
	Leaderboard         []ScoreEntry    `json:"leaderboard,omitempty"`
	Final               *FinalResult    `json:"final,omitempty"`
	Notice              string          `json:"notice,omitempty"`
	ConsecutiveFailures int             `json:"consecutiveFailures,omitempty"`
}
