package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roundsync/internal/app"
	"roundsync/internal/domain"
)

// SessionView is what a local observer can see and do on a running engine.
type SessionView interface {
	Subscribe() (<-chan domain.Snapshot, func())
	Submit(ctx context.Context, optionID string) (app.Outcome, error)
}

// ObserverHandler streams engine snapshots to local websocket clients, such
// as an overlay UI, and forwards their answers to the engine. The engine
// keeps polling the game server either way.
type ObserverHandler struct {
	view     SessionView
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewObserverHandler(view SessionView, log zerolog.Logger) *ObserverHandler {
	return &ObserverHandler{
		view: view,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	OptionID string `json:"optionId"`
}

type answerResult struct {
	Outcome app.OutcomeKind     `json:"outcome"`
	Status  int                 `json:"status,omitempty"`
	Correct bool                `json:"correct"`
	Waiting *domain.WaitingInfo `json:"waiting,omitempty"`
	Message string              `json:"message,omitempty"`
	Forced  bool                `json:"forced,omitempty"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request and pushes a "snapshot" message after every
// engine state change, starting with the current state.
func (h *ObserverHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("observer upgrade failed")
		return
	}
	defer conn.Close()

	updates, cancel := h.view.Subscribe()
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// only the writer goroutine touches conn for writes
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug().Err(err).Msg("observer write failed")
				// unblocks the read loop below
				conn.Close()
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case snap, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "snapshot", Payload: snap}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		var msg outboundMessage[any]
		switch inbound.Type {
		case "answer":
			msg = h.answer(r.Context(), inbound.Payload)
		default:
			msg = errorMessage("unsupported message type")
		}
		if !deliver(send, writerDone, msg) {
			break
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func (h *ObserverHandler) answer(ctx context.Context, raw json.RawMessage) outboundMessage[any] {
	var payload answerPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.OptionID == "" {
		return errorMessage("invalid answer payload")
	}
	out, err := h.view.Submit(ctx, payload.OptionID)
	if err != nil {
		return errorMessage(err.Error())
	}
	return outboundMessage[any]{Type: "answerResult", Payload: answerResult{
		Outcome: out.Kind,
		Status:  out.Status,
		Correct: out.Correct,
		Waiting: out.Waiting,
		Message: out.Message,
		Forced:  out.Forced,
	}}
}

func errorMessage(text string) outboundMessage[any] {
	return outboundMessage[any]{Type: "error", Payload: errorPayload{Message: text}}
}

// deliver queues msg for the writer. It gives up once the writer is gone.
func deliver(send chan<- outboundMessage[any], writerDone <-chan struct{}, msg outboundMessage[any]) bool {
	select {
	case send <- msg:
		return true
	case <-writerDone:
		return false
	}
}
