package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"lexreport/api/internal/livesync"
	"lexreport/api/internal/metrics"
	"lexreport/api/internal/realtime"
	"lexreport/api/internal/store"
)

type changeSource interface {
	Run(ctx context.Context, handle func(store.SectionChange)) error
}

type sectionReader interface {
	GetSection(context.Context, string) (store.Section, error)
}

// Relay republishes persisted section writes onto the report's sync topic
// as section_persisted events, so sessions that did not author the write
// pick it up.
type Relay struct {
	feed      changeSource
	sections  sectionReader
	publisher realtime.Publisher
	log       zerolog.Logger
}

func NewRelay(feed changeSource, sections sectionReader, publisher realtime.Publisher, log zerolog.Logger) *Relay {
	return &Relay{
		feed:      feed,
		sections:  sections,
		publisher: publisher,
		log:       log.With().Str("component", "relay").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	return r.feed.Run(ctx, func(change store.SectionChange) {
		if err := r.Relay(ctx, change); err != nil {
			r.log.Warn().Err(err).Str("section_id", change.SectionID).Msg("relay failed")
		}
	})
}

// Relay reads the section named by change and publishes its current blocks.
// Author and timestamp come from the same row read as the blocks: by the
// time a notification is handled the row may already hold a later write,
// and the notification's author would mislabel it.
func (r *Relay) Relay(ctx context.Context, change store.SectionChange) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	section, err := r.sections.GetSection(ctx, change.SectionID)
	if err != nil {
		return fmt.Errorf("read section %s: %w", change.SectionID, err)
	}
	author := section.UpdatedBy
	at := section.UpdatedAt
	if author != change.UserID || !at.Equal(change.UpdatedAt) {
		r.log.Debug().Str("section_id", section.ID).Str("notified_user_id", change.UserID).
			Str("row_user_id", author).Msg("row moved on since notification")
	}

	payload, err := livesync.EncodePayload(section.ID, section.ContentBlocks, author, at)
	if err != nil {
		return err
	}
	if err := r.publisher.Publish(ctx, realtime.SyncTopic(section.ReportID), livesync.EventSectionPersisted, payload); err != nil {
		return fmt.Errorf("publish section %s: %w", section.ID, err)
	}
	metrics.RelayedChanges.Inc()
	r.log.Debug().Str("report_id", section.ReportID).Str("section_id", section.ID).Str("user_id", author).Msg("relayed")
	return nil
}
