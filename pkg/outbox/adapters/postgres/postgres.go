// Package postgres implements outbox.Store on top of GORM and
// gorm.io/driver/postgres, giving the outbox table the durability and
// transactional semantics the pattern depends on: Enqueue is meant to run
// inside the same *gorm.DB transaction as the business write that produced
// the row.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/silverback-go/silverback/pkg/errors"
	"github.com/silverback-go/silverback/pkg/outbox"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// row is the GORM model backing the outbox table.
type row struct {
	ID          string `gorm:"primaryKey"`
	Endpoint    string `gorm:"index"`
	Topic       string
	MessageID   string
	Key         []byte
	Payload     []byte
	Headers     []byte
	CreatedAt   time.Time `gorm:"index"`
	PublishedAt *time.Time
	Attempts    int
	LastError   string
}

func (row) TableName() string { return "silverback_outbox" }

// Store is a Postgres-backed outbox.Store.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the outbox table.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres outbox store")
	}
	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate outbox table")
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *gorm.DB, letting the caller share a connection
// pool (or an in-flight transaction) between the outbox store and the rest
// of the application's persistence.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func toRow(r outbox.Row) (row, error) {
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return row{}, errors.Wrap(err, "failed to marshal outbox headers")
	}
	return row{
		ID:          r.ID,
		Endpoint:    r.Endpoint,
		Topic:       r.Topic,
		MessageID:   r.MessageID,
		Key:         r.Key,
		Payload:     r.Payload,
		Headers:     headers,
		CreatedAt:   r.CreatedAt,
		PublishedAt: r.PublishedAt,
		Attempts:    r.Attempts,
		LastError:   r.LastError,
	}, nil
}

func fromRow(r row) (outbox.Row, error) {
	var headers map[string]string
	if len(r.Headers) > 0 {
		if err := json.Unmarshal(r.Headers, &headers); err != nil {
			return outbox.Row{}, errors.Wrap(err, "failed to unmarshal outbox headers")
		}
	}
	return outbox.Row{
		ID:          r.ID,
		Endpoint:    r.Endpoint,
		Topic:       r.Topic,
		MessageID:   r.MessageID,
		Key:         r.Key,
		Payload:     r.Payload,
		Headers:     headers,
		CreatedAt:   r.CreatedAt,
		PublishedAt: r.PublishedAt,
		Attempts:    r.Attempts,
		LastError:   r.LastError,
	}, nil
}

func (s *Store) Enqueue(ctx context.Context, r outbox.Row) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	gr, err := toRow(r)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&gr).Error; err != nil {
		return errors.Wrap(err, "failed to enqueue outbox row")
	}
	return nil
}

func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]outbox.Row, error) {
	var rows []row
	err := s.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch unpublished outbox rows")
	}

	out := make([]outbox.Row, 0, len(rows))
	for _, r := range rows {
		domainRow, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, domainRow)
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	err := s.db.WithContext(ctx).
		Model(&row{}).
		Where("id IN ?", ids).
		Update("published_at", now).Error
	if err != nil {
		return errors.Wrap(err, "failed to mark outbox rows published")
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, cause error) error {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	err := s.db.WithContext(ctx).
		Model(&row{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":  gorm.Expr("attempts + 1"),
			"last_error": lastErr,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to mark outbox row failed")
	}
	return nil
}

var _ outbox.Store = (*Store)(nil)
