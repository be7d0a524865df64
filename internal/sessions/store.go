// Package sessions provides the queryable session index. The journal remains
// the source of truth; this store answers "what sessions exist and where did
// they end up" for the CLI and API without replaying event history.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/keel/pkg/models"
)

// ErrNotFound is returned when the store has no session with the given id.
var ErrNotFound = errors.New("sessions: not found")

// Store is the interface for session index persistence.
type Store interface {
	// Create inserts a new session record.
	Create(ctx context.Context, session *models.Session) error

	// Update overwrites an existing session record.
	Update(ctx context.Context, session *models.Session) error

	// Get returns the session with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Session, error)

	// List returns sessions in creation order, filtered and paged.
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// Close releases store resources.
	Close() error
}

// ListOptions configures session listing.
type ListOptions struct {
	// Status filters to sessions currently in this status; empty means all.
	Status models.SessionStatus

	// Limit caps the result count; 0 means no cap.
	Limit int

	// Offset skips this many matching sessions.
	Offset int
}
