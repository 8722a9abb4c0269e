package model

type UserStats struct {
	Attempted    int64 `gorm:"not null;default:0" json:"attempted"`
	Solved       int64 `gorm:"not null;default:0" json:"solved"`
	EasySolved   int64 `gorm:"not null;default:0" json:"easySolved"`
	MediumSolved int64 `gorm:"not null;default:0" json:"mediumSolved"`
	HardSolved   int64 `gorm:"not null;default:0" json:"hardSolved"`
}

// User holds the aggregate fields of the user entity maintained by judging.
type User struct {
	ID       uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Username string    `gorm:"type:varchar(64);uniqueIndex" json:"username"`
	Rating   int64     `gorm:"not null;default:0;index:idx_user_rank_order,priority:1" json:"rating"`
	Rank     int64     `gorm:"not null;default:0" json:"rank"`
	Stats    UserStats `gorm:"embedded;embeddedPrefix:stats_" json:"stats"`
}

// Ranked reports whether the user takes part in the global ranking.
func (u *User) Ranked() bool {
	return u.Stats.Solved > 0 || u.Rating > 0
}

type MarkerKind string

const (
	MarkerAttempt MarkerKind = "attempt"
	MarkerSolve   MarkerKind = "solve"
)

// SolveMarker records that a user has attempted or solved a problem at least once.
// The composite primary key makes the first insert the only one that succeeds.
type SolveMarker struct {
	UserID    uint64     `gorm:"primaryKey;autoIncrement:false"`
	ProblemID uint64     `gorm:"primaryKey;autoIncrement:false"`
	Kind      MarkerKind `gorm:"primaryKey;type:varchar(16)"`
}
