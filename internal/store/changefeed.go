package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// ChangeChannel is the NOTIFY channel written by the sections trigger.
const ChangeChannel = "section_changes"

// ChangeFeed listens for committed section content writes.
type ChangeFeed struct {
	databaseURL string
	log         zerolog.Logger
	retryDelay  time.Duration
}

func NewChangeFeed(databaseURL string, log zerolog.Logger) *ChangeFeed {
	return &ChangeFeed{
		databaseURL: databaseURL,
		log:         log.With().Str("component", "changefeed").Logger(),
		retryDelay:  2 * time.Second,
	}
}

// Run delivers every notification to handle until ctx is cancelled. A lost
// connection is re-established after a short delay; notifications sent
// while disconnected are not replayed.
func (f *ChangeFeed) Run(ctx context.Context, handle func(SectionChange)) error {
	for {
		err := f.listen(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		f.log.Warn().Err(err).Dur("retry_in", f.retryDelay).Msg("change feed interrupted")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.retryDelay):
		}
	}
}

func (f *ChangeFeed) listen(ctx context.Context, handle func(SectionChange)) error {
	cfg, err := parseConfig(f.databaseURL)
	if err != nil {
		return err
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect change feed: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	f.log.Info().Str("channel", ChangeChannel).Msg("change feed listening")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		change, err := ParseNotification(notification.Payload)
		if err != nil {
			f.log.Warn().Err(err).Str("payload", notification.Payload).Msg("skipping malformed notification")
			continue
		}
		handle(change)
	}
}

// ParseNotification decodes a section_changes payload.
func ParseNotification(payload string) (SectionChange, error) {
	var change SectionChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return SectionChange{}, fmt.Errorf("decode section change: %w", err)
	}
	if change.ReportID == "" || change.SectionID == "" {
		return SectionChange{}, errors.New("section change missing report or section id")
	}
	return change, nil
}
