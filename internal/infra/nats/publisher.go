package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"roundsync/internal/domain"
)

// Publisher is the subset of *nats.Conn the snapshot publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// Connect dials NATS with reconnects enabled; connection events go to log.
func Connect(url string, log zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("roundsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// StateSubject is where every snapshot of a session is published.
func StateSubject(sessionID string) string {
	return "roundsync.sessions." + sessionID + ".state"
}

// FinalSubject receives the final result of a session once.
func FinalSubject(sessionID string) string {
	return "roundsync.sessions." + sessionID + ".final"
}

// SnapshotPublisher mirrors engine snapshots onto NATS so that other local
// tools (overlays, bots) can follow a session without polling the server.
type SnapshotPublisher struct {
	pub Publisher
	log zerolog.Logger
}

func NewSnapshotPublisher(pub Publisher, log zerolog.Logger) *SnapshotPublisher {
	return &SnapshotPublisher{pub: pub, log: log}
}

func (p *SnapshotPublisher) Publish(snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := p.pub.Publish(StateSubject(snap.SessionID), data); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func (p *SnapshotPublisher) PublishFinal(final domain.FinalResult) error {
	data, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("marshal final result: %w", err)
	}
	if err := p.pub.Publish(FinalSubject(final.SessionID), data); err != nil {
		return fmt.Errorf("publish final result: %w", err)
	}
	return nil
}

// Forward publishes every snapshot from updates until the channel closes
// or ctx is done. Publish failures are logged and skipped.
func (p *SnapshotPublisher) Forward(ctx context.Context, updates <-chan domain.Snapshot) error {
	finalSent := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := p.Publish(snap); err != nil {
				p.log.Warn().Err(err).Str("session_id", snap.SessionID).Msg("snapshot not published")
			}
			if snap.Final != nil && !finalSent {
				if err := p.PublishFinal(*snap.Final); err != nil {
					p.log.Warn().Err(err).Str("session_id", snap.SessionID).Msg("final result not published")
					continue
				}
				finalSent = true
			}
		}
	}
}
