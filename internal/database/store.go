package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/models"
)

// Store is the persistence contract of the session engine.
type Store interface {
	CreateSession(ctx context.Context, ownerID string) (*models.Session, error)
	CreateInterval(ctx context.Context, sessionID int64, label string, confidence float64, start time.Time) (int64, error)
	CloseInterval(ctx context.Context, id int64, end time.Time) error
	GetLabelMetadata(ctx context.Context, labelID string) (*models.LabelMetadata, error)
	Ping(ctx context.Context) error
	Close() error
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateSession(ctx context.Context, ownerID string) (*models.Session, error) {
	sess := &models.Session{OwnerID: ownerID}
	err := s.db.QueryRowContext(ctx,
		"INSERT INTO sessions (owner_id) VALUES ($1) RETURNING id, created_at",
		ownerID,
	).Scan(&sess.ID, &sess.CreatedAt)
	if err != nil {
		return nil, &models.PersistenceError{Op: "create_session", Err: err}
	}
	return sess, nil
}

func (s *PostgresStore) CreateInterval(ctx context.Context, sessionID int64, label string, confidence float64, start time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO session_items (session_id, label_id, accuracy, start_timestamp)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		sessionID, label, confidence, start.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, &models.PersistenceError{Op: "create_interval", Err: err}
	}
	return id, nil
}

func (s *PostgresStore) CloseInterval(ctx context.Context, id int64, end time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE session_items SET end_timestamp = $1 WHERE id = $2 AND end_timestamp IS NULL",
		end.UTC(), id,
	)
	if err != nil {
		return &models.PersistenceError{Op: "close_interval", Err: err}
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return &models.PersistenceError{Op: "close_interval", Err: err}
	}
	if rows == 0 {
		return &models.PersistenceError{Op: "close_interval", Err: fmt.Errorf("open interval %d: %w", id, models.ErrNotFound)}
	}
	return nil
}

func (s *PostgresStore) GetLabelMetadata(ctx context.Context, labelID string) (*models.LabelMetadata, error) {
	var m models.LabelMetadata
	err := s.db.QueryRowContext(ctx,
		`SELECT label_id, name, description, severity_level, recommendation
		 FROM labels WHERE label_id = $1`,
		labelID,
	).Scan(&m.LabelID, &m.Name, &m.Description, &m.SeverityLevel, &m.Recommendation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("label %s: %w", labelID, models.ErrNotFound)
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "get_label", Err: err}
	}
	return &m, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
