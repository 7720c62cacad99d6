package attendance

import (
	"context"
	"log"
	"time"

	"clubcheck/internal/broadcast"
	"clubcheck/internal/metrics"
	"clubcheck/internal/queue"
	"clubcheck/internal/roster"
	"clubcheck/internal/rotating"
)

// Marking methods, used for queue messages and metrics labels.
const (
	MethodManual    = "manual"
	MethodRotating  = "rotating"
	MethodBroadcast = "broadcast"
)

// Caller is the authenticated identity every operation receives.
type Caller struct {
	ID   int64
	Role roster.Role
}

// Roster is the membership and identity surface the core decides against.
type Roster interface {
	rotating.SeedStore
	GetUser(ctx context.Context, id int64) (*roster.User, error)
	IsStudentIn(ctx context.Context, sectionID, studentID int64) (bool, error)
	IsTeacherIn(ctx context.Context, sectionID, teacherID int64) (bool, error)
	IsBeaconAllowed(ctx context.Context, sectionID int64, beaconID string) (bool, error)
	ListProvisioned(ctx context.Context) ([]roster.User, error)
}

// Records is the attendance record store.
type Records interface {
	Insert(ctx context.Context, sectionID, studentID int64) (Record, error)
	CountForStudent(ctx context.Context, studentID int64, sectionID *int64) (int64, error)
}

// Service decides, for each marking flow, whether the mark is permitted, and
// records it exactly once when it is.
type Service struct {
	roster      Roster
	records     Records
	codes       *rotating.Engine
	bcast       *broadcast.Engine
	q           queue.Queue
	beaconCheck bool
	now         func() time.Time
}

// NewService wires the core. beaconCheck is the global beacon-verification
// switch, fixed at construction.
func NewService(ros Roster, records Records, codes *rotating.Engine, bcast *broadcast.Engine, q queue.Queue, beaconCheck bool) *Service {
	return &Service{
		roster:      ros,
		records:     records,
		codes:       codes,
		bcast:       bcast,
		q:           q,
		beaconCheck: beaconCheck,
		now:         time.Now,
	}
}

func deny(reason string, err error) error {
	metrics.Denials.WithLabelValues(reason).Inc()
	return err
}

func (s *Service) record(ctx context.Context, sectionID, studentID int64, method string) (Record, error) {
	rec, err := s.records.Insert(ctx, sectionID, studentID)
	if err != nil {
		return Record{}, err
	}
	metrics.Marks.WithLabelValues(method).Inc()
	if s.q != nil {
		msg := queue.Message{
			Type:      "mark",
			RecordID:  rec.ID,
			SectionID: rec.SectionID,
			StudentID: rec.StudentID,
			Method:    method,
		}
		if err := s.q.Publish(ctx, msg); err != nil {
			log.Printf("queue publish failed for record %s: %v", rec.ID, err)
		}
	}
	return rec, nil
}

// MarkManual records attendance on a teacher's say-so. The teacher must
// belong to the section and so must the target student.
func (s *Service) MarkManual(ctx context.Context, caller Caller, sectionID, studentID int64) (Record, error) {
	if caller.Role != roster.RoleTeacher {
		return Record{}, deny("forbidden", ErrForbidden)
	}
	teaches, err := s.roster.IsTeacherIn(ctx, sectionID, caller.ID)
	if err != nil {
		return Record{}, err
	}
	if !teaches {
		return Record{}, deny("not_teacher_in_section", ErrTeacherNotInSection)
	}
	enrolled, err := s.roster.IsStudentIn(ctx, sectionID, studentID)
	if err != nil {
		return Record{}, err
	}
	if !enrolled {
		return Record{}, deny("not_student_in_section", ErrStudentNotInSection)
	}
	return s.record(ctx, sectionID, studentID, MethodManual)
}

// RequestCode returns the current rotating code for a user, provisioning the
// seed on first request. Students may only request their own code; teachers
// may request anyone's.
func (s *Service) RequestCode(ctx context.Context, caller Caller, userID int64) (string, int, error) {
	user, err := s.roster.GetUser(ctx, userID)
	if err != nil {
		return "", 0, err
	}
	if user == nil {
		return "", 0, deny("not_found", ErrNotFound)
	}
	if caller.ID != userID && caller.Role != roster.RoleTeacher {
		return "", 0, deny("forbidden", ErrForbidden)
	}
	seed, err := s.codes.GetOrCreateSeed(ctx, s.roster, user)
	if err != nil {
		return "", 0, err
	}
	return s.codeAt(seed)
}

func (s *Service) codeAt(seed string) (string, int, error) {
	code, window, err := s.codes.Code(seed, s.now())
	if err != nil {
		return "", 0, err
	}
	return code, window, nil
}

// ScanRotating resolves a scanned rotating code to its student and records
// attendance. Provisioned users are scanned in ascending id order and the
// first verifying seed wins, which keeps a theoretical code collision
// deterministic.
func (s *Service) ScanRotating(ctx context.Context, caller Caller, code string, sectionID int64) (Record, error) {
	if caller.Role != roster.RoleTeacher {
		return Record{}, deny("forbidden", ErrForbidden)
	}
	users, err := s.roster.ListProvisioned(ctx)
	if err != nil {
		return Record{}, err
	}
	now := s.now()
	var matched *roster.User
	for i := range users {
		u := &users[i]
		if u.OTPSecret == nil {
			continue
		}
		if s.codes.Verify(*u.OTPSecret, code, now) {
			matched = u
			break
		}
	}
	if matched == nil {
		return Record{}, deny("invalid_code", ErrInvalidCode)
	}
	teaches, err := s.roster.IsTeacherIn(ctx, sectionID, caller.ID)
	if err != nil {
		return Record{}, err
	}
	if !teaches {
		return Record{}, deny("not_teacher_in_section", ErrTeacherNotInSection)
	}
	enrolled, err := s.roster.IsStudentIn(ctx, sectionID, matched.ID)
	if err != nil {
		return Record{}, err
	}
	if !enrolled {
		return Record{}, deny("not_student_in_section", ErrStudentNotInSection)
	}
	return s.record(ctx, sectionID, matched.ID, MethodRotating)
}

// ScanBroadcast lets a student self-report against a teacher's active master
// code. When beacon checking is on, the student must also present an
// allow-listed beacon id for the section.
func (s *Service) ScanBroadcast(ctx context.Context, caller Caller, secret string, sectionID int64, beaconID string) (Record, *roster.User, error) {
	if caller.Role != roster.RoleStudent {
		return Record{}, nil, deny("forbidden", ErrForbidden)
	}
	teacher, err := s.bcast.Resolve(ctx, secret)
	if err != nil {
		return Record{}, nil, err
	}
	if teacher == nil {
		return Record{}, nil, deny("invalid_secret", ErrInvalidSecret)
	}
	enrolled, err := s.roster.IsStudentIn(ctx, sectionID, caller.ID)
	if err != nil {
		return Record{}, nil, err
	}
	if !enrolled {
		return Record{}, nil, deny("not_student_in_section", ErrStudentNotInSection)
	}
	if s.beaconCheck {
		if beaconID == "" {
			return Record{}, nil, deny("beacon_rejected", ErrBeaconRejected)
		}
		allowed, err := s.roster.IsBeaconAllowed(ctx, sectionID, beaconID)
		if err != nil {
			return Record{}, nil, err
		}
		if !allowed {
			return Record{}, nil, deny("beacon_rejected", ErrBeaconRejected)
		}
	}
	rec, err := s.record(ctx, sectionID, caller.ID, MethodBroadcast)
	if err != nil {
		return Record{}, nil, err
	}
	return rec, teacher, nil
}

// Count returns attendance totals for a student, optionally per section.
// Students may only count themselves.
func (s *Service) Count(ctx context.Context, caller Caller, studentID int64, sectionID *int64) (int64, error) {
	if caller.Role != roster.RoleTeacher && caller.ID != studentID {
		return 0, deny("forbidden", ErrForbidden)
	}
	return s.records.CountForStudent(ctx, studentID, sectionID)
}
