package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"

	apperrors "github.com/sessionkit-dev/sessionkit/pkg/orchestrator/errors"
)

// SessionRepository provides access to persisted sessions.
type SessionRepository interface {
	GetByID(ctx context.Context, id string) (*Session, error)
	GetByProjectID(ctx context.Context, projectID string) ([]*Session, error)
	Create(ctx context.Context, session *Session) error
	Update(ctx context.Context, session *Session) error
}

// MessageRepository provides access to persisted messages.
type MessageRepository interface {
	Create(ctx context.Context, message *Message) error
	ListBySession(ctx context.Context, sessionID string) ([]*Message, error)
}

// ProjectRepository provides access to persisted projects.
type ProjectRepository interface {
	GetByID(ctx context.Context, id string) (*Project, error)
	Create(ctx context.Context, project *Project) error
}

// Tx is one transaction scope. An activation opens a single Tx, writes
// streamed messages into it and commits once at the end.
type Tx interface {
	Sessions() SessionRepository
	Messages() MessageRepository
	Commit() error
	Rollback() error
}

// Factory hands out repositories and transaction scopes.
type Factory interface {
	Sessions() SessionRepository
	Messages() MessageRepository
	Projects() ProjectRepository
	Begin(ctx context.Context) (Tx, error)
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

type gormFactory struct {
	db *gorm.DB
}

// NewFactory creates a GORM-backed Factory.
func NewFactory(db *gorm.DB) Factory {
	return &gormFactory{db: db}
}

func (f *gormFactory) Sessions() SessionRepository { return &sessionRepository{db: f.db} }
func (f *gormFactory) Messages() MessageRepository { return &messageRepository{db: f.db} }
func (f *gormFactory) Projects() ProjectRepository { return &projectRepository{db: f.db} }

func (f *gormFactory) Begin(ctx context.Context) (Tx, error) {
	tx := f.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, apperrors.New(apperrors.ErrCodeStorageFailed, "failed to begin transaction", tx.Error)
	}
	return &gormTx{db: tx}, nil
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) Sessions() SessionRepository { return &sessionRepository{db: t.db} }
func (t *gormTx) Messages() MessageRepository { return &messageRepository{db: t.db} }

func (t *gormTx) Commit() error {
	if err := t.db.Commit().Error; err != nil {
		return apperrors.New(apperrors.ErrCodeStorageFailed, "failed to commit transaction", err)
	}
	return nil
}

func (t *gormTx) Rollback() error {
	if err := t.db.Rollback().Error; err != nil {
		return apperrors.New(apperrors.ErrCodeStorageFailed, "failed to roll back transaction", err)
	}
	return nil
}

type sessionRepository struct {
	db *gorm.DB
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepository) GetByProjectID(ctx context.Context, projectID string) ([]*Session, error) {
	var sessions []*Session
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepository) Create(ctx context.Context, session *Session) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *sessionRepository) Update(ctx context.Context, session *Session) error {
	return r.db.WithContext(ctx).Save(session).Error
}

type messageRepository struct {
	db *gorm.DB
}

func (r *messageRepository) Create(ctx context.Context, message *Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

func (r *messageRepository) ListBySession(ctx context.Context, sessionID string) ([]*Message, error) {
	var messages []*Message
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at asc").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

type projectRepository struct {
	db *gorm.DB
}

func (r *projectRepository) GetByID(ctx context.Context, id string) (*Project, error) {
	var project Project
	if err := r.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *projectRepository) Create(ctx context.Context, project *Project) error {
	return r.db.WithContext(ctx).Create(project).Error
}
