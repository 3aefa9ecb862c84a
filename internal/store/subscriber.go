package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"kernelci.org/api/core/db"
	"kernelci.org/api/internal/model"
)

type subscriberStore struct {
	db *db.DB
}

func newSubscriberStore(database *db.DB) SubscriberStore {
	return &subscriberStore{db: database}
}

func (s *subscriberStore) Get(ctx context.Context, subscriberID string) (*model.SubscriberState, error) {
	var state *model.SubscriberState
	err := withRetry(ctx, func() error {
		var st model.SubscriberState
		err := s.db.Pool().QueryRow(ctx, `
			SELECT subscriber_id, channel, owner, promiscuous, last_event_id, last_poll, created
			FROM subscriber_state WHERE subscriber_id = $1`, subscriberID,
		).Scan(&st.SubscriberID, &st.Channel, &st.Owner, &st.Promiscuous,
			&st.LastEventID, &st.LastPoll, &st.Created)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		state = &st
		return nil
	})
	return state, err
}

func (s *subscriberStore) Create(ctx context.Context, state *model.SubscriberState) error {
	return withRetry(ctx, func() error {
		_, err := s.db.Pool().Exec(ctx, `
			INSERT INTO subscriber_state
				(subscriber_id, channel, owner, promiscuous, last_event_id, last_poll, created)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			state.SubscriberID, state.Channel, state.Owner, state.Promiscuous,
			state.LastEventID, state.LastPoll, state.Created,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: subscriber %q already registered", ErrConflict, state.SubscriberID)
		}
		return err
	})
}

func (s *subscriberStore) Persist(ctx context.Context, subscriberID string, lastEventID int64, lastPoll time.Time) error {
	return withRetry(ctx, func() error {
		// The cursor only moves forward; a stale writer cannot rewind it.
		_, err := s.db.Pool().Exec(ctx, `
			UPDATE subscriber_state
			SET last_event_id = GREATEST(last_event_id, $2), last_poll = $3
			WHERE subscriber_id = $1`,
			subscriberID, lastEventID, lastPoll,
		)
		return err
	})
}

func (s *subscriberStore) Touch(ctx context.Context, subscriberID string, lastPoll time.Time) error {
	return withRetry(ctx, func() error {
		_, err := s.db.Pool().Exec(ctx,
			`UPDATE subscriber_state SET last_poll = $2 WHERE subscriber_id = $1`,
			subscriberID, lastPoll,
		)
		return err
	})
}

func (s *subscriberStore) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := withRetry(ctx, func() error {
		tag, err := s.db.Pool().Exec(ctx,
			`DELETE FROM subscriber_state WHERE last_poll IS NOT NULL AND last_poll < $1`, cutoff)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}
