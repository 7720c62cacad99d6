package attendance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"clubcheck/internal/broadcast"
	"clubcheck/internal/queue"
	"clubcheck/internal/roster"
	"clubcheck/internal/rotating"
)

type edge struct{ section, user int64 }

type memStore struct {
	users    map[int64]*roster.User
	students map[edge]bool
	teachers map[edge]bool
	beacons  map[int64]map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[int64]*roster.User),
		students: make(map[edge]bool),
		teachers: make(map[edge]bool),
		beacons:  make(map[int64]map[string]bool),
	}
}

func (s *memStore) addUser(id int64, role roster.Role) *roster.User {
	u := &roster.User{ID: id, Username: fmt.Sprintf("user%d", id), FullName: fmt.Sprintf("User %d", id), Role: role}
	s.users[id] = u
	return u
}

func (s *memStore) GetUser(_ context.Context, id int64) (*roster.User, error) {
	return s.users[id], nil
}

func (s *memStore) ProvisionOTPSecret(_ context.Context, userID int64, secret string) (string, error) {
	u, ok := s.users[userID]
	if !ok {
		return "", errors.New("no such user")
	}
	if u.OTPSecret != nil {
		return *u.OTPSecret, nil
	}
	u.OTPSecret = &secret
	return secret, nil
}

func (s *memStore) IsStudentIn(_ context.Context, sectionID, studentID int64) (bool, error) {
	return s.students[edge{sectionID, studentID}], nil
}

func (s *memStore) IsTeacherIn(_ context.Context, sectionID, teacherID int64) (bool, error) {
	return s.teachers[edge{sectionID, teacherID}], nil
}

func (s *memStore) IsBeaconAllowed(_ context.Context, sectionID int64, beaconID string) (bool, error) {
	return s.beacons[sectionID][beaconID], nil
}

func (s *memStore) allowBeacon(sectionID int64, beaconID string) {
	if s.beacons[sectionID] == nil {
		s.beacons[sectionID] = make(map[string]bool)
	}
	s.beacons[sectionID][beaconID] = true
}

func (s *memStore) ListProvisioned(_ context.Context) ([]roster.User, error) {
	var ids []int64
	for id, u := range s.users {
		if u.OTPSecret != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []roster.User
	for _, id := range ids {
		out = append(out, *s.users[id])
	}
	return out, nil
}

func (s *memStore) SetBroadcast(_ context.Context, teacherID int64, enabled bool, secret *string) error {
	u, ok := s.users[teacherID]
	if !ok || u.Role != roster.RoleTeacher {
		return nil
	}
	u.BroadcastOn = enabled
	u.BroadcastSecret = secret
	return nil
}

func (s *memStore) FindTeacherByBroadcastSecret(_ context.Context, secret string) (*roster.User, error) {
	for _, u := range s.users {
		if u.Role == roster.RoleTeacher && u.BroadcastOn && u.BroadcastSecret != nil && *u.BroadcastSecret == secret {
			return u, nil
		}
	}
	return nil, nil
}

type memRecords struct {
	rows []Record
}

func (r *memRecords) Insert(_ context.Context, sectionID, studentID int64) (Record, error) {
	rec := Record{
		ID:        fmt.Sprintf("rec-%d", len(r.rows)+1),
		SectionID: sectionID,
		StudentID: studentID,
		Timestamp: time.Now().UTC(),
	}
	r.rows = append(r.rows, rec)
	return rec, nil
}

func (r *memRecords) CountForStudent(_ context.Context, studentID int64, sectionID *int64) (int64, error) {
	var count int64
	for _, rec := range r.rows {
		if rec.StudentID != studentID {
			continue
		}
		if sectionID != nil && rec.SectionID != *sectionID {
			continue
		}
		count++
	}
	return count, nil
}

func newTestService(beaconCheck bool) (*Service, *memStore, *memRecords) {
	store := newMemStore()
	records := &memRecords{}
	svc := NewService(store, records, rotating.NewEngine("test"), broadcast.NewEngine(store), nil, beaconCheck)
	return svc, store, records
}

func caller(u *roster.User) Caller {
	return Caller{ID: u.ID, Role: u.Role}
}

const sectionZ = int64(10)

func TestMarkManual(t *testing.T) {
	svc, store, records := newTestService(false)
	ctx := context.Background()
	teacher := store.addUser(1, roster.RoleTeacher)
	student := store.addUser(2, roster.RoleStudent)

	if _, err := svc.MarkManual(ctx, caller(teacher), sectionZ, student.ID); !errors.Is(err, ErrTeacherNotInSection) {
		t.Fatalf("expected ErrTeacherNotInSection, got %v", err)
	}
	store.teachers[edge{sectionZ, teacher.ID}] = true

	if _, err := svc.MarkManual(ctx, caller(teacher), sectionZ, student.ID); !errors.Is(err, ErrStudentNotInSection) {
		t.Fatalf("expected ErrStudentNotInSection, got %v", err)
	}
	store.students[edge{sectionZ, student.ID}] = true

	rec, err := svc.MarkManual(ctx, caller(teacher), sectionZ, student.ID)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if rec.SectionID != sectionZ || rec.StudentID != student.ID {
		t.Fatalf("record wired wrong: %+v", rec)
	}
	if len(records.rows) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records.rows))
	}

	if _, err := svc.MarkManual(ctx, caller(student), sectionZ, student.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("student caller must be forbidden, got %v", err)
	}
}

func TestRequestCode(t *testing.T) {
	svc, store, _ := newTestService(false)
	ctx := context.Background()
	teacher := store.addUser(1, roster.RoleTeacher)
	student := store.addUser(2, roster.RoleStudent)
	other := store.addUser(3, roster.RoleStudent)

	if _, _, err := svc.RequestCode(ctx, caller(student), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := svc.RequestCode(ctx, caller(other), student.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("student requesting another's code must be forbidden, got %v", err)
	}

	code, window, err := svc.RequestCode(ctx, caller(student), student.ID)
	if err != nil {
		t.Fatalf("self request failed: %v", err)
	}
	if window != 30 || code == "" {
		t.Fatalf("unexpected code %q window %d", code, window)
	}
	if student.OTPSecret == nil {
		t.Fatalf("seed was not provisioned")
	}
	seed := *student.OTPSecret

	// Teachers may request any student's code; the seed stays put.
	if _, _, err := svc.RequestCode(ctx, caller(teacher), student.ID); err != nil {
		t.Fatalf("teacher request failed: %v", err)
	}
	if *student.OTPSecret != seed {
		t.Fatalf("seed must not rotate on repeat requests")
	}
}

func TestScanRotating(t *testing.T) {
	svc, store, records := newTestService(false)
	ctx := context.Background()
	teacher := store.addUser(1, roster.RoleTeacher)
	student := store.addUser(2, roster.RoleStudent)
	store.teachers[edge{sectionZ, teacher.ID}] = true
	store.students[edge{sectionZ, student.ID}] = true

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	svc.now = func() time.Time { return at }

	code, _, err := svc.RequestCode(ctx, caller(student), student.ID)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if _, err := svc.ScanRotating(ctx, caller(student), code, sectionZ); !errors.Is(err, ErrForbidden) {
		t.Fatalf("student caller must be forbidden, got %v", err)
	}
	if _, err := svc.ScanRotating(ctx, caller(teacher), "000000", sectionZ); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("unknown code must be invalid, got %v", err)
	}

	// Scan one window later still matches thanks to skew.
	svc.now = func() time.Time { return at.Add(30 * time.Second) }
	rec, err := svc.ScanRotating(ctx, caller(teacher), code, sectionZ)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if rec.StudentID != student.ID {
		t.Fatalf("scan resolved wrong student: %+v", rec)
	}
	if len(records.rows) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records.rows))
	}

	// Three windows on, the same code is dead.
	svc.now = func() time.Time { return at.Add(3 * 30 * time.Second) }
	if _, err := svc.ScanRotating(ctx, caller(teacher), code, sectionZ); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expired code must be invalid, got %v", err)
	}
}

func TestScanRotatingMembership(t *testing.T) {
	svc, store, _ := newTestService(false)
	ctx := context.Background()
	teacher := store.addUser(1, roster.RoleTeacher)
	student := store.addUser(2, roster.RoleStudent)

	code, _, err := svc.RequestCode(ctx, caller(student), student.ID)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if _, err := svc.ScanRotating(ctx, caller(teacher), code, sectionZ); !errors.Is(err, ErrTeacherNotInSection) {
		t.Fatalf("expected ErrTeacherNotInSection, got %v", err)
	}
	store.teachers[edge{sectionZ, teacher.ID}] = true
	if _, err := svc.ScanRotating(ctx, caller(teacher), code, sectionZ); !errors.Is(err, ErrStudentNotInSection) {
		t.Fatalf("expected ErrStudentNotInSection, got %v", err)
	}
}

func TestScanBroadcast(t *testing.T) {
	svc, store, _ := newTestService(false)
	ctx := context.Background()
	teacher := store.addUser(1, roster.RoleTeacher)
	student := store.addUser(2, roster.RoleStudent)
	store.teachers[edge{sectionZ, teacher.ID}] = true

	secret, err := svc.bcast.Enable(ctx, teacher.ID, teacher.ID)
	if err != nil {
		t.Fatalf("enable failed: %v", err)
	}

	if _, _, err := svc.ScanBroadcast(ctx, caller(teacher), secret, sectionZ, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("teacher caller must be forbidden, got %v", err)
	}
	if _, _, err := svc.ScanBroadcast(ctx, caller(student), "bogus", sectionZ, ""); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("bogus secret must be invalid, got %v", err)
	}
	if _, _, err := svc.ScanBroadcast(ctx, caller(student), secret, sectionZ, ""); !errors.Is(err, ErrStudentNotInSection) {
		t.Fatalf("expected ErrStudentNotInSection, got %v", err)
	}

	store.students[edge{sectionZ, student.ID}] = true
	rec, from, err := svc.ScanBroadcast(ctx, caller(student), secret, sectionZ, "")
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if from.ID != teacher.ID || rec.StudentID != student.ID || rec.SectionID != sectionZ {
		t.Fatalf("scan wired wrong: rec=%+v from=%+v", rec, from)
	}

	count, err := svc.Count(ctx, caller(student), student.ID, ptr(sectionZ))
	if err != nil || count != 1 {
		t.Fatalf("expected count 1, got %d err %v", count, err)
	}

	// Disabled secret is dead immediately.
	if err := svc.bcast.Disable(ctx, teacher.ID, teacher.ID); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if _, _, err := svc.ScanBroadcast(ctx, caller(student), secret, sectionZ, ""); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("disabled secret must be invalid, got %v", err)
	}
}

func TestScanBroadcastBeaconGate(t *testing.T) {
	svc, store, _ := newTestService(true)
	ctx := context.Background()
	teacher := store.addUser(1, roster.RoleTeacher)
	student := store.addUser(2, roster.RoleStudent)
	store.teachers[edge{sectionZ, teacher.ID}] = true
	store.students[edge{sectionZ, student.ID}] = true

	secret, err := svc.bcast.Enable(ctx, teacher.ID, teacher.ID)
	if err != nil {
		t.Fatalf("enable failed: %v", err)
	}

	if _, _, err := svc.ScanBroadcast(ctx, caller(student), secret, sectionZ, ""); !errors.Is(err, ErrBeaconRejected) {
		t.Fatalf("missing beacon must be rejected, got %v", err)
	}
	if _, _, err := svc.ScanBroadcast(ctx, caller(student), secret, sectionZ, "b7"); !errors.Is(err, ErrBeaconRejected) {
		t.Fatalf("unlisted beacon must be rejected, got %v", err)
	}

	store.allowBeacon(sectionZ, "b7")
	if _, _, err := svc.ScanBroadcast(ctx, caller(student), secret, sectionZ, "b7"); err != nil {
		t.Fatalf("allow-listed beacon must pass: %v", err)
	}
}

func TestScanBroadcastBeaconGateOff(t *testing.T) {
	svc, store, _ := newTestService(false)
	ctx := context.Background()
	teacher := store.addUser(1, roster.RoleTeacher)
	student := store.addUser(2, roster.RoleStudent)
	store.teachers[edge{sectionZ, teacher.ID}] = true
	store.students[edge{sectionZ, student.ID}] = true

	secret, err := svc.bcast.Enable(ctx, teacher.ID, teacher.ID)
	if err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	// No beacons allow-listed at all, and none presented: still fine.
	if _, _, err := svc.ScanBroadcast(ctx, caller(student), secret, sectionZ, ""); err != nil {
		t.Fatalf("beacon gate off must not require a beacon: %v", err)
	}
}

func TestCountAuthorization(t *testing.T) {
	svc, store, records := newTestService(false)
	ctx := context.Background()
	teacher := store.addUser(1, roster.RoleTeacher)
	student := store.addUser(2, roster.RoleStudent)
	other := store.addUser(3, roster.RoleStudent)
	records.rows = []Record{
		{ID: "a", SectionID: sectionZ, StudentID: student.ID},
		{ID: "b", SectionID: sectionZ + 1, StudentID: student.ID},
	}

	if _, err := svc.Count(ctx, caller(other), student.ID, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("student counting another must be forbidden, got %v", err)
	}
	count, err := svc.Count(ctx, caller(student), student.ID, nil)
	if err != nil || count != 2 {
		t.Fatalf("expected self count 2, got %d err %v", count, err)
	}
	count, err = svc.Count(ctx, caller(teacher), student.ID, ptr(sectionZ))
	if err != nil || count != 1 {
		t.Fatalf("expected section count 1, got %d err %v", count, err)
	}
}

func TestMarkPublishesToQueue(t *testing.T) {
	store := newMemStore()
	records := &memRecords{}
	q := queue.NewInMemory(4)
	svc := NewService(store, records, rotating.NewEngine("test"), broadcast.NewEngine(store), q, false)
	ctx := context.Background()

	teacher := store.addUser(1, roster.RoleTeacher)
	student := store.addUser(2, roster.RoleStudent)
	store.teachers[edge{sectionZ, teacher.ID}] = true
	store.students[edge{sectionZ, student.ID}] = true

	rec, err := svc.MarkManual(ctx, caller(teacher), sectionZ, student.ID)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msgs, err := q.Consume(consumeCtx)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	select {
	case msg := <-msgs:
		if msg.Type != "mark" || msg.RecordID != rec.ID || msg.Method != MethodManual {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("no mark message published")
	}
}

func ptr(v int64) *int64 { return &v }
