package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrRecordNotFound is returned when a source record is not found
var ErrRecordNotFound = errors.New("source record not found")

// ErrSchoolNotFound is returned when a school is not found
var ErrSchoolNotFound = errors.New("school not found")

// Role identifies what a staff member is allowed to see.
type Role string

const (
	RoleAdmin         Role = "ADMIN"
	RoleEvaluator     Role = "EVALUATOR"
	RoleTeacher       Role = "TEACHER"
	RoleDistrictAdmin Role = "DISTRICT_ADMIN"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEvaluator, RoleTeacher, RoleDistrictAdmin:
		return true
	}
	return false
}

// SourceType identifies which kind of record a chunk was derived from.
type SourceType string

const (
	SourceObservation SourceType = "OBSERVATION"
	SourceEvaluation  SourceType = "EVALUATION"
)

// Valid reports whether the source type is known.
func (t SourceType) Valid() bool {
	return t == SourceObservation || t == SourceEvaluation
}

type School struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	District string `json:"district,omitempty"`
}

type Teacher struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Subject  string `json:"subject,omitempty"`
	SchoolID string `json:"school_id"`
}

type StaffUser struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	SchoolID string `json:"school_id"`
}

// Observation is a staff-authored classroom observation of one teacher.
// Joined entities are populated by the store when present and may be nil.
type Observation struct {
	ID              string    `json:"id"`
	TeacherID       string    `json:"teacher_id"`
	ObserverID      string    `json:"observer_id"`
	SchoolID        string    `json:"school_id"`
	Date            time.Time `json:"date"`
	Subject         string    `json:"subject,omitempty"`
	FocusAreas      []string  `json:"focus_areas,omitempty"`
	ObservationType string    `json:"observation_type,omitempty"`
	RawNotes        string    `json:"raw_notes,omitempty"`
	EnhancedNotes   string    `json:"enhanced_notes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	Teacher  *Teacher   `json:"teacher,omitempty"`
	Observer *StaffUser `json:"observer,omitempty"`
	School   *School    `json:"school,omitempty"`
}

// EvaluationContent is the body of an evaluation. Historically it was stored
// either as a plain string or as a document with a markdown field, so it
// accepts both shapes on decode and normalizes to text.
type EvaluationContent struct {
	Text string
}

func (c EvaluationContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"markdown": c.Text})
}

func (c *EvaluationContent) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		c.Text = plain
		return nil
	}
	var doc struct {
		Markdown string `json:"markdown"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		// Unrecognized content shapes degrade to empty rather than failing.
		c.Text = ""
		return nil
	}
	c.Text = doc.Markdown
	return nil
}

// Evaluation is a staff-authored formal evaluation of one teacher.
type Evaluation struct {
	ID              string            `json:"id"`
	TeacherID       string            `json:"teacher_id"`
	EvaluatorID     string            `json:"evaluator_id"`
	SchoolID        string            `json:"school_id"`
	EvalType        string            `json:"eval_type,omitempty"`
	Status          string            `json:"status,omitempty"`
	Summary         string            `json:"summary,omitempty"`
	Content         EvaluationContent `json:"content"`
	Recommendations []string          `json:"recommendations,omitempty"`
	NextSteps       []string          `json:"next_steps,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`

	Teacher   *Teacher   `json:"teacher,omitempty"`
	Evaluator *StaffUser `json:"evaluator,omitempty"`
	School    *School    `json:"school,omitempty"`
}
