package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint,
// i.e. the participant already submitted for this deliberation and round.
var ErrDuplicate = errors.New("storage: duplicate")

// ErrWrongStage is returned when a submission arrives while the deliberation
// is not in the stage the operation requires.
var ErrWrongStage = errors.New("storage: wrong stage")

// ErrFull is returned when an opinion would exceed the participant cap.
var ErrFull = errors.New("storage: deliberation full")

// ErrStale is returned when a transition's expected stage and round no longer
// match the stored row, meaning another process already advanced it.
var ErrStale = errors.New("storage: stale deliberation state")

// isUniqueViolation reports whether err is a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
