package repository

import (
	"context"
	"errors"

	"github.com/kostpay/chat-gateway/internal/model"
	"github.com/kostpay/chat-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrSessionNotFound is returned when a session has never been persisted.
	ErrSessionNotFound = errors.New("session not found")
)

type SessionRepository struct {
	*pg.DB
}

func NewSessionRepository(db *pg.DB) *SessionRepository {
	return &SessionRepository{
		db,
	}
}

// Save writes the session snapshot, inserting on first sight. Called on
// every state transition so a restart can observe the last known state.
func (r *SessionRepository) Save(ctx context.Context, s *model.Session) error {
	entity := toSessionEntity(s)

	return r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).
		Create(entity).Error
}

func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	var entity SessionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return toSessionModel(&entity), nil
}

// List returns every known session, for the startup recovery pass.
func (r *SessionRepository) List(ctx context.Context) ([]*model.Session, error) {
	var entities []*SessionEntity
	if err := r.Read(ctx).WithContext(ctx).Order("session_id ASC").Find(&entities).Error; err != nil {
		return nil, err
	}
	return toSessionModels(entities), nil
}

// Delete removes the persisted snapshot. Only reset() uses this; a session
// is never dropped implicitly.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	return r.Write(ctx).WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&SessionEntity{}).Error
}
