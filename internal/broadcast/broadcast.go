// Package broadcast implements the teacher "master code": a long-lived
// opaque secret a teacher turns on to let students self-report attendance.
package broadcast

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"clubcheck/internal/roster"
)

var (
	ErrNotFound   = errors.New("teacher not found")
	ErrForbidden  = errors.New("only the teacher may manage their own master code")
	ErrNotTeacher = errors.New("target is not a teacher")
)

// Store is the persistence surface the engine needs. SetBroadcast must write
// the flag and secret together so a stale secret is never observable after a
// disable.
type Store interface {
	GetUser(ctx context.Context, id int64) (*roster.User, error)
	SetBroadcast(ctx context.Context, teacherID int64, enabled bool, secret *string) error
	FindTeacherByBroadcastSecret(ctx context.Context, secret string) (*roster.User, error)
}

// Engine manages broadcast mode per teacher.
type Engine struct {
	store Store
}

// NewEngine creates an engine over a store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

func (e *Engine) teacherSelf(ctx context.Context, callerID, teacherID int64) error {
	target, err := e.store.GetUser(ctx, teacherID)
	if err != nil {
		return err
	}
	if target == nil {
		return ErrNotFound
	}
	if target.Role != roster.RoleTeacher {
		return ErrNotTeacher
	}
	if callerID != teacherID {
		return ErrForbidden
	}
	return nil
}

// Enable turns broadcast mode on for the teacher and returns a fresh secret.
// Re-enabling while already on rotates to a new secret.
func (e *Engine) Enable(ctx context.Context, callerID, teacherID int64) (string, error) {
	if err := e.teacherSelf(ctx, callerID, teacherID); err != nil {
		return "", err
	}
	secret := uuid.NewString()
	if err := e.store.SetBroadcast(ctx, teacherID, true, &secret); err != nil {
		return "", err
	}
	return secret, nil
}

// Disable turns broadcast mode off and clears the secret. Disabling an
// already-disabled teacher is a no-op.
func (e *Engine) Disable(ctx context.Context, callerID, teacherID int64) error {
	if err := e.teacherSelf(ctx, callerID, teacherID); err != nil {
		return err
	}
	return e.store.SetBroadcast(ctx, teacherID, false, nil)
}

// Resolve maps an active secret to its teacher. Returns nil when no enabled
// teacher holds the secret.
func (e *Engine) Resolve(ctx context.Context, secret string) (*roster.User, error) {
	if secret == "" {
		return nil, nil
	}
	return e.store.FindTeacherByBroadcastSecret(ctx, secret)
}
