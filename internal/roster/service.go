package roster

import (
	"context"
	"errors"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUsernameTaken    = errors.New("username already registered")
	ErrSectionNameTaken = errors.New("section name already exists")
	ErrBadRole          = errors.New("role must be student or teacher")
)

// Store is the persistence surface the service needs.
type Store interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context, skip, limit int) ([]User, error)
	CreateSection(ctx context.Context, name string) (Section, error)
	GetSectionByName(ctx context.Context, name string) (*Section, error)
	ListSections(ctx context.Context) ([]Section, error)
	AddStudentEdge(ctx context.Context, sectionID, studentID int64) error
	AddTeacherEdge(ctx context.Context, sectionID, teacherID int64) error
	AddBeacon(ctx context.Context, sectionID int64, beaconID string) error
	ListBeacons(ctx context.Context, sectionID int64) ([]string, error)
}

// Service applies the registration and membership rules over a Store.
type Service struct {
	store Store
}

// NewService creates a service backed by a store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register creates a user with a unique username and a fixed role.
// The password must already be hashed.
func (s *Service) Register(ctx context.Context, username, fullName, hashedPassword string, role Role) (User, error) {
	if username == "" {
		return User{}, errors.New("username required")
	}
	if !role.Valid() {
		return User{}, ErrBadRole
	}
	existing, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return User{}, err
	}
	if existing != nil {
		return User{}, ErrUsernameTaken
	}
	return s.store.CreateUser(ctx, User{
		Username:       username,
		FullName:       fullName,
		HashedPassword: hashedPassword,
		Role:           role,
	})
}

// GetUser returns the user or ErrNotFound.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, ErrNotFound
	}
	return *u, nil
}

// GetUserByUsername returns the user or ErrNotFound.
func (s *Service) GetUserByUsername(ctx context.Context, username string) (User, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, ErrNotFound
	}
	return *u, nil
}

// ListUsers returns users ordered by id.
func (s *Service) ListUsers(ctx context.Context, skip, limit int) ([]User, error) {
	return s.store.ListUsers(ctx, skip, limit)
}

// CreateSection creates a section with a unique name.
func (s *Service) CreateSection(ctx context.Context, name string) (Section, error) {
	if name == "" {
		return Section{}, errors.New("section name required")
	}
	existing, err := s.store.GetSectionByName(ctx, name)
	if err != nil {
		return Section{}, err
	}
	if existing != nil {
		return Section{}, ErrSectionNameTaken
	}
	return s.store.CreateSection(ctx, name)
}

// ListSections returns all sections.
func (s *Service) ListSections(ctx context.Context) ([]Section, error) {
	return s.store.ListSections(ctx)
}

// AddStudent adds a student membership edge. The target must exist and hold
// the student role.
func (s *Service) AddStudent(ctx context.Context, sectionID, userID int64) error {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil || u.Role != RoleStudent {
		return ErrNotFound
	}
	return s.store.AddStudentEdge(ctx, sectionID, userID)
}

// AddTeacher adds a teacher membership edge. The target must exist and hold
// the teacher role.
func (s *Service) AddTeacher(ctx context.Context, sectionID, userID int64) error {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil || u.Role != RoleTeacher {
		return ErrNotFound
	}
	return s.store.AddTeacherEdge(ctx, sectionID, userID)
}

// AddBeacon appends a beacon id to the section allow-list.
func (s *Service) AddBeacon(ctx context.Context, sectionID int64, beaconID string) error {
	if beaconID == "" {
		return errors.New("beacon id required")
	}
	return s.store.AddBeacon(ctx, sectionID, beaconID)
}

// ListBeacons returns the section allow-list.
func (s *Service) ListBeacons(ctx context.Context, sectionID int64) ([]string, error) {
	return s.store.ListBeacons(ctx, sectionID)
}
