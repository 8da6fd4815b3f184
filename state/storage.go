package state

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/flashfusion/collab-relay/internal"
	"github.com/flashfusion/collab-relay/sqlutil"
)

var logger = internal.NewLogger()

// Max number of events returned by a single history query
const MaxEventsLimit = 500

// Storage is the durable event store for collaboration events.
type Storage struct {
	EventsTable    *EventsTable
	SequencesTable *SequencesTable
	DB             *sqlx.DB
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{
		EventsTable:    NewEventsTable(db),
		SequencesTable: NewSequencesTable(db),
		DB:             db,
	}
}

// Append allocates the event's seq and persists it in one transaction. ev.Seq and ev.NID are
// set on success.
func (s *Storage) Append(ctx context.Context, ev *CollabEvent) error {
	if ev.ProjectID == "" || ev.UserID == "" || ev.Type == "" {
		return fmt.Errorf("Append: event is missing project, user or type")
	}
	var seq, nid int64
	err := sqlutil.WithTransactionContext(ctx, s.DB, func(txn *sqlx.Tx) (err error) {
		if seq, err = s.SequencesTable.Next(ctx, txn, ev.ProjectID); err != nil {
			return fmt.Errorf("Append: allocate seq: %w", err)
		}
		withSeq := *ev
		withSeq.Seq = seq
		if nid, err = s.EventsTable.Insert(ctx, txn, &withSeq); err != nil {
			return fmt.Errorf("Append: insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	ev.Seq = seq
	ev.NID = nid
	return nil
}

// EventsSince returns the project's events with seq > since. limit is clamped to
// (0, MaxEventsLimit].
func (s *Storage) EventsSince(ctx context.Context, projectID string, since int64, limit int) ([]CollabEvent, error) {
	if limit <= 0 || limit > MaxEventsLimit {
		limit = MaxEventsLimit
	}
	return s.EventsTable.SelectSince(ctx, projectID, since, limit)
}

func (s *Storage) Teardown() {
	if err := s.DB.Close(); err != nil {
		logger.Err(err).Msg("Storage.Teardown: failed to close DB")
	}
}
