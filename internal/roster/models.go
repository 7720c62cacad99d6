package roster

import "time"

// Role is the account kind, fixed at creation.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleStudent || r == RoleTeacher
}

// User is an account. OTPSecret is provisioned lazily on first code request.
// Broadcast fields are only ever set for teachers.
type User struct {
	ID              int64     `json:"id"`
	Username        string    `json:"username"`
	FullName        string    `json:"full_name"`
	HashedPassword  string    `json:"-"`
	Role            Role      `json:"role"`
	OTPSecret       *string   `json:"-"`
	BroadcastOn     bool      `json:"-"`
	BroadcastSecret *string   `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// Section is a pure grouping entity.
type Section struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
