package model

type Difficulty string

const (
	DifficultyEasy   Difficulty = "Easy"
	DifficultyMedium Difficulty = "Medium"
	DifficultyHard   Difficulty = "Hard"
)

// RatingDelta is the rating awarded for the first acceptance of a problem.
func (d Difficulty) RatingDelta() int {
	switch d {
	case DifficultyEasy:
		return 5
	case DifficultyMedium:
		return 10
	case DifficultyHard:
		return 20
	default:
		return 0
	}
}

// SolvedColumn is the per-difficulty counter column on the user table.
func (d Difficulty) SolvedColumn() string {
	switch d {
	case DifficultyEasy:
		return "stats_easy_solved"
	case DifficultyMedium:
		return "stats_medium_solved"
	case DifficultyHard:
		return "stats_hard_solved"
	default:
		return ""
	}
}

// Problem holds the fields of the problem entity that judging reads and writes.
type Problem struct {
	ID               uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Title            string     `gorm:"type:varchar(255)" json:"title"`
	Difficulty       Difficulty `gorm:"type:varchar(16);not null;default:Easy" json:"difficulty"`
	TimeLimit        int        `gorm:"not null;default:1000" json:"timeLimit"`  // 毫秒
	MemoryLimit      int        `gorm:"not null;default:256" json:"memoryLimit"` // MB
	TestCases        []TestCase `gorm:"serializer:json;type:text" json:"-"`
	Examples         []TestCase `gorm:"serializer:json;type:text" json:"examples"`
	TotalSubmissions int64      `gorm:"not null;default:0" json:"totalSubmissions"`
	TotalAccepted    int64      `gorm:"not null;default:0" json:"totalAccepted"`
	TotalAttempted   int64      `gorm:"not null;default:0" json:"totalAttempted"`
	AcceptanceRate   float64    `gorm:"not null;default:0" json:"acceptanceRate"`
}

// JudgeCases returns the hidden test cases, or the public examples when none are configured.
func (p *Problem) JudgeCases() []TestCase {
	if len(p.TestCases) > 0 {
		return p.TestCases
	}
	cases := make([]TestCase, 0, len(p.Examples))
	for _, ex := range p.Examples {
		ex.IsHidden = false
		cases = append(cases, ex)
	}
	return cases
}
