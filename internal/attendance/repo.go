package attendance

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Record is one attendance mark. Append-only; repeated marks for the same
// session are allowed and each produces its own row.
type Record struct {
	ID        string    `json:"id"`
	SectionID int64     `json:"section_id"`
	StudentID int64     `json:"student_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes a new record, stamping it at write time.
func (r *Repository) Insert(ctx context.Context, sectionID, studentID int64) (Record, error) {
	rec := Record{
		ID:        uuid.NewString(),
		SectionID: sectionID,
		StudentID: studentID,
		Timestamp: time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO section_attendance (id, section_id, student_id, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, rec.ID, rec.SectionID, rec.StudentID, rec.Timestamp)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns a single record by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, section_id, student_id, recorded_at
		FROM section_attendance WHERE id = $1
	`, id)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.SectionID, &rec.StudentID, &rec.Timestamp); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// CountForStudent counts a student's records, optionally narrowed to one
// section.
func (r *Repository) CountForStudent(ctx context.Context, studentID int64, sectionID *int64) (int64, error) {
	var count int64
	var err error
	if sectionID != nil {
		err = r.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM section_attendance WHERE student_id = $1 AND section_id = $2
		`, studentID, *sectionID).Scan(&count)
	} else {
		err = r.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM section_attendance WHERE student_id = $1
		`, studentID).Scan(&count)
	}
	return count, err
}
