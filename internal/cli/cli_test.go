package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roundsync/internal/app"
	"roundsync/internal/domain"
	"roundsync/internal/transport/http/httpfake"
)

const fastConfig = `
engine:
  activePollMs: 2000
  transitionPollMs: 20
  transientPollMs: 20
  backoffFloorMs: 20
  backoffCapMs: 40
log:
  level: error
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(fastConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestPlayAnswersAndPrintsStandings(t *testing.T) {
	srv := httpfake.New()
	defer srv.Close()
	now := time.Now().UnixMilli()
	srv.Script(httpfake.RouteRound,
		httpfake.Round("r1", now, now+30000),
		httpfake.Phase(http.StatusNoContent, "FINISHED"),
	)
	srv.Script(httpfake.RouteAnswer, httpfake.JSON(http.StatusOK, map[string]any{
		"correct": true, "allSubmitted": true, "submittedCount": 2, "expectedParticipants": 2,
	}))
	srv.Script(httpfake.RouteResults, httpfake.JSON(http.StatusOK, map[string]any{
		"standings": []map[string]any{
			{"userUid": "me", "score": 1, "rank": 1},
			{"userUid": "them", "score": 0, "rank": 2},
		},
	}))

	out, err := execute(t, "2\n", "play",
		"--config", writeConfig(t), "--base-url", srv.URL, "--session", "s1", "--user", "me")
	if err != nil {
		t.Fatalf("play failed: %v\n%s", err, out)
	}

	answers := srv.Answers()
	if len(answers) != 1 {
		t.Fatalf("expected one answer, got %+v", answers)
	}
	if answers[0].OptionID != "b" || answers[0].RoundID != "r1" || answers[0].IdempotencyKey == "" {
		t.Fatalf("unexpected answer %+v", answers[0])
	}
	for _, want := range []string{"Question r1", "Answer recorded: correct", "Final standings", "them"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestResultsFromEnvironmentAsJSON(t *testing.T) {
	srv := httpfake.New()
	defer srv.Close()
	srv.Script(httpfake.RouteResults,
		httpfake.JSON(http.StatusUnprocessableEntity, map[string]string{"code": "NOT_READY"}),
		httpfake.JSON(http.StatusOK, []map[string]any{{"userUid": "u1", "score": 5, "rank": 1}}),
	)
	t.Setenv("ROUNDSYNC_SESSION", "from-env")
	t.Setenv("ROUNDSYNC_API_URL", srv.URL)

	out, err := execute(t, "", "results", "--config", writeConfig(t), "--json")
	if err != nil {
		t.Fatalf("results failed: %v", err)
	}
	var final domain.FinalResult
	if err := json.Unmarshal([]byte(out), &final); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if final.SessionID != "from-env" || final.Degraded || len(final.Standings) != 1 || final.Standings[0].UserUID != "u1" {
		t.Fatalf("unexpected final %+v", final)
	}
	if srv.Count(httpfake.RouteResults) < 2 {
		t.Fatalf("expected a retry after 422, got %d calls", srv.Count(httpfake.RouteResults))
	}
}

func TestMissingSessionIsRejected(t *testing.T) {
	t.Setenv("ROUNDSYNC_SESSION", "")
	_, err := execute(t, "", "results")
	if err == nil || !strings.Contains(err.Error(), "session id is required") {
		t.Fatalf("expected missing session error, got %v", err)
	}
}

type fakeSubmitter struct {
	submitted chan string
}

func (f *fakeSubmitter) Submit(_ context.Context, optionID string) (app.Outcome, error) {
	f.submitted <- optionID
	return app.Outcome{Kind: app.OutcomeAccepted}, nil
}

func TestControlHoldsLineUntilRoundIsAnswerable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan domain.Snapshot)
	lines := make(chan string)
	sub := &fakeSubmitter{submitted: make(chan string, 2)}
	var out bytes.Buffer

	done := make(chan error, 1)
	go func() {
		done <- control(ctx, sub, updates, lines, newPrinter(&out))
	}()

	round := &domain.Round{ID: "r2", Options: []domain.Option{{ID: "x", Text: "X"}, {ID: "y", Text: "Y"}}}
	lines <- "2"
	updates <- domain.Snapshot{Phase: domain.PhaseWaitingNext}
	updates <- domain.Snapshot{Phase: domain.PhaseActive, Round: round, Submission: domain.SubmissionState{InFlight: true}}
	if len(sub.submitted) != 0 {
		t.Fatalf("submitted while another request was in flight")
	}
	updates <- domain.Snapshot{Phase: domain.PhaseActive, Round: round}

	select {
	case got := <-sub.submitted:
		if got != "y" {
			t.Fatalf("expected option y, got %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("line was never submitted")
	}

	updates <- domain.Snapshot{Phase: domain.PhaseActive, Round: round}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("control returned %v", err)
	}
	if len(sub.submitted) != 0 {
		t.Fatalf("pending line submitted twice")
	}
	if !strings.Contains(out.String(), "Round 0: ") {
		t.Fatalf("expected round header, got:\n%s", out.String())
	}
}

func TestResolveOption(t *testing.T) {
	round := domain.Round{Options: []domain.Option{{ID: "a"}, {ID: "7"}}}
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"a", "a", true},
		{"7", "7", true},
		{"1", "a", true},
		{"2", "7", true},
		{"3", "", false},
		{"zz", "", false},
	}
	for _, tt := range tests {
		got, ok := resolveOption(round, tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("resolveOption(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPrintStandingsMarksDNF(t *testing.T) {
	ms := int64(180)
	var out bytes.Buffer
	printStandings(&out, domain.FinalResult{
		GameType: domain.GameReaction,
		Degraded: true,
		Standings: []domain.ScoreEntry{
			{UserUID: "fast", Rank: 1, ResponseTimeMs: &ms},
			{UserUID: "idle", DNF: true},
		},
	})
	text := out.String()
	if !strings.Contains(text, "provisional") || !strings.Contains(text, "180ms") {
		t.Fatalf("unexpected table:\n%s", text)
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, "idle") && (!strings.HasPrefix(line, "-") || !strings.Contains(line, "DNF")) {
			t.Fatalf("expected unranked DNF row, got %q", line)
		}
	}
}
