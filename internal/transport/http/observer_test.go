package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roundsync/internal/app"
	"roundsync/internal/domain"
)

type fakeView struct {
	mu      sync.Mutex
	updates chan domain.Snapshot
	options []string
}

func (v *fakeView) Subscribe() (<-chan domain.Snapshot, func()) {
	v.updates <- domain.Snapshot{SessionID: "s1", Phase: domain.PhaseNoRound}
	return v.updates, func() {}
}

func (v *fakeView) Submit(_ context.Context, optionID string) (app.Outcome, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.options = append(v.options, optionID)
	if optionID == "late" {
		return app.Outcome{}, domain.ErrDeadlineGuard
	}
	return app.Outcome{Kind: app.OutcomeAccepted, Status: http.StatusOK, Correct: true}, nil
}

func TestObserverStreamsSnapshotsAndForwardsAnswers(t *testing.T) {
	view := &fakeView{updates: make(chan domain.Snapshot, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", NewObserverHandler(view, zerolog.Nop()).ServeWS)
	server := httptest.NewServer(mux)
	defer server.Close()

	u := "ws" + server.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, payload := readNext(conn, t, "snapshot")
	if payload["phase"] != string(domain.PhaseNoRound) {
		t.Fatalf("expected initial NO_ROUND snapshot, got %v", payload)
	}

	view.updates <- domain.Snapshot{SessionID: "s1", Phase: domain.PhaseActive, RemainingSec: 12}
	_, payload = readNext(conn, t, "snapshot")
	if payload["phase"] != string(domain.PhaseActive) || payload["remainingSec"] != float64(12) {
		t.Fatalf("unexpected pushed snapshot %v", payload)
	}

	if err := conn.WriteJSON(map[string]any{"type": "answer", "payload": map[string]string{"optionId": "b"}}); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	_, payload = readNext(conn, t, "answerResult")
	if payload["outcome"] != string(app.OutcomeAccepted) || payload["correct"] != true {
		t.Fatalf("unexpected answer result %v", payload)
	}

	if err := conn.WriteJSON(map[string]any{"type": "answer", "payload": map[string]string{"optionId": "late"}}); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	_, payload = readNext(conn, t, "error")
	if payload["message"] != domain.ErrDeadlineGuard.Error() {
		t.Fatalf("expected guard error, got %v", payload)
	}

	if err := conn.WriteJSON(map[string]any{"type": "chat"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readNext(conn, t, "error")

	view.mu.Lock()
	defer view.mu.Unlock()
	if len(view.options) != 2 || view.options[0] != "b" {
		t.Fatalf("unexpected forwarded answers %v", view.options)
	}
}

func TestDeliverGivesUpWhenWriterIsGone(t *testing.T) {
	send := make(chan outboundMessage[any], 1)
	writerDone := make(chan struct{})
	msg := errorMessage("x")

	if !deliver(send, writerDone, msg) {
		t.Fatalf("expected delivery into a free buffer")
	}
	close(writerDone)

	result := make(chan bool, 1)
	go func() { result <- deliver(send, writerDone, msg) }()
	select {
	case ok := <-result:
		if ok {
			t.Fatalf("expected delivery to fail with a full buffer and no writer")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("deliver blocked after the writer exited")
	}
}

func readNext(conn *websocket.Conn, t *testing.T, expect string) (string, map[string]any) {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if expect != "" && msg.Type != expect {
		t.Fatalf("expected type %s, got %s", expect, msg.Type)
	}
	return msg.Type, msg.Payload
}
