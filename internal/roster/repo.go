package roster

import (
	"context"
	"database/sql"
	"errors"
)

// Repository persists users, sections, membership edges and beacon
// allow-lists in Postgres.
//
// Tables: users, sections, section_students, section_teachers,
// section_beacons.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, username, full_name, hashed_password, role, otp_secret, broadcast_on, broadcast_secret, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.HashedPassword, &u.Role,
		&u.OTPSecret, &u.BroadcastOn, &u.BroadcastSecret, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new user and returns it with id and created_at filled.
func (r *Repository) CreateUser(ctx context.Context, u User) (User, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (username, full_name, hashed_password, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, u.Username, u.FullName, u.HashedPassword, u.Role)
	if err := row.Scan(&u.ID, &u.CreatedAt); err != nil {
		return User{}, err
	}
	return u, nil
}

// GetUser returns a user by id, or nil when absent.
func (r *Repository) GetUser(ctx context.Context, id int64) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetUserByUsername returns a user by username, or nil when absent.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return scanUser(row)
}

// ListUsers returns users ordered by id.
func (r *Repository) ListUsers(ctx context.Context, skip, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users ORDER BY id LIMIT $1 OFFSET $2
	`, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ListProvisioned returns users holding a rotating-code seed, ascending id.
// The stable order keeps code-scan matching deterministic.
func (r *Repository) ListProvisioned(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE otp_secret IS NOT NULL ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ProvisionOTPSecret stores secret for the user unless one already exists,
// and returns whichever secret won. First write wins under races.
func (r *Repository) ProvisionOTPSecret(ctx context.Context, userID int64, secret string) (string, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE users SET otp_secret = COALESCE(otp_secret, $2)
		WHERE id = $1
		RETURNING otp_secret
	`, userID, secret)
	var stored string
	if err := row.Scan(&stored); err != nil {
		return "", err
	}
	return stored, nil
}

// SetBroadcast updates the broadcast flag and secret in one statement so the
// pair is never observable half-written.
func (r *Repository) SetBroadcast(ctx context.Context, teacherID int64, enabled bool, secret *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET broadcast_on = $2, broadcast_secret = $3
		WHERE id = $1 AND role = 'teacher'
	`, teacherID, enabled, secret)
	return err
}

// FindTeacherByBroadcastSecret resolves an active broadcast secret to its
// teacher. Disabled teachers never match, whatever secret they last held.
func (r *Repository) FindTeacherByBroadcastSecret(ctx context.Context, secret string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE role = 'teacher' AND broadcast_on AND broadcast_secret = $1
	`, secret)
	return scanUser(row)
}

// CreateSection inserts a section.
func (r *Repository) CreateSection(ctx context.Context, name string) (Section, error) {
	var s Section
	s.Name = name
	row := r.db.QueryRowContext(ctx, `INSERT INTO sections (name) VALUES ($1) RETURNING id`, name)
	if err := row.Scan(&s.ID); err != nil {
		return Section{}, err
	}
	return s, nil
}

// GetSectionByName returns a section by its unique name, or nil.
func (r *Repository) GetSectionByName(ctx context.Context, name string) (*Section, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name FROM sections WHERE name = $1`, name)
	var s Section
	if err := row.Scan(&s.ID, &s.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListSections returns all sections ordered by id.
func (r *Repository) ListSections(ctx context.Context) ([]Section, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM sections ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sections []Section
	for rows.Next() {
		var s Section
		if err := rows.Scan(&s.ID, &s.Name); err != nil {
			return nil, err
		}
		sections = append(sections, s)
	}
	return sections, rows.Err()
}

// AddStudentEdge inserts a student membership edge. Duplicates are harmless.
func (r *Repository) AddStudentEdge(ctx context.Context, sectionID, studentID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO section_students (section_id, student_id) VALUES ($1, $2)
	`, sectionID, studentID)
	return err
}

// AddTeacherEdge inserts a teacher membership edge. Duplicates are harmless.
func (r *Repository) AddTeacherEdge(ctx context.Context, sectionID, teacherID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO section_teachers (section_id, teacher_id) VALUES ($1, $2)
	`, sectionID, teacherID)
	return err
}

// IsStudentIn reports whether the student belongs to the section.
func (r *Repository) IsStudentIn(ctx context.Context, sectionID, studentID int64) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM section_students WHERE section_id = $1 AND student_id = $2)
	`, sectionID, studentID)
	var present bool
	err := row.Scan(&present)
	return present, err
}

// IsTeacherIn reports whether the teacher belongs to the section.
func (r *Repository) IsTeacherIn(ctx context.Context, sectionID, teacherID int64) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM section_teachers WHERE section_id = $1 AND teacher_id = $2)
	`, sectionID, teacherID)
	var present bool
	err := row.Scan(&present)
	return present, err
}

// AddBeacon appends a beacon to the section allow-list.
func (r *Repository) AddBeacon(ctx context.Context, sectionID int64, beaconID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO section_beacons (section_id, beacon_id) VALUES ($1, $2)
	`, sectionID, beaconID)
	return err
}

// IsBeaconAllowed reports whether the beacon is on the section allow-list.
func (r *Repository) IsBeaconAllowed(ctx context.Context, sectionID int64, beaconID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM section_beacons WHERE section_id = $1 AND beacon_id = $2)
	`, sectionID, beaconID)
	var allowed bool
	err := row.Scan(&allowed)
	return allowed, err
}

// ListBeacons returns the allow-listed beacon ids for a section.
func (r *Repository) ListBeacons(ctx context.Context, sectionID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT beacon_id FROM section_beacons WHERE section_id = $1 ORDER BY id
	`, sectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var beacons []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		beacons = append(beacons, id)
	}
	return beacons, rows.Err()
}
