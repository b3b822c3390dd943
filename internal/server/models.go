package server

import (
	"time"

	"github.com/dylanparallax/trellis-v4-sub000/internal/rag"
	"github.com/dylanparallax/trellis-v4-sub000/models"
)

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	SchoolID string `json:"school_id"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SearchRequestBody struct {
	Query   string            `json:"query"`
	TopK    int               `json:"top_k,omitempty"`
	Filters rag.SearchFilters `json:"filters,omitempty"`
}

type SearchResponse struct {
	Query   string             `json:"query"`
	Results []rag.SearchResult `json:"results"`
}

type SimilarRequestBody struct {
	Query     string     `json:"query"`
	Type      string     `json:"type,omitempty"`
	TeacherID string     `json:"teacher_id,omitempty"`
	MinScore  float64    `json:"min_score,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	TopK      int        `json:"top_k,omitempty"`
}

type SimilarResponse struct {
	Query   string          `json:"query"`
	Results []rag.RecordHit `json:"results"`
}

type ObservationRequest struct {
	TeacherID       string    `json:"teacher_id"`
	Date            time.Time `json:"date"`
	Subject         string    `json:"subject,omitempty"`
	FocusAreas      []string  `json:"focus_areas,omitempty"`
	ObservationType string    `json:"observation_type,omitempty"`
	RawNotes        string    `json:"raw_notes,omitempty"`
	EnhancedNotes   string    `json:"enhanced_notes,omitempty"`
}

type EvaluationRequest struct {
	TeacherID       string                   `json:"teacher_id"`
	EvalType        string                   `json:"eval_type,omitempty"`
	Status          string                   `json:"status,omitempty"`
	Summary         string                   `json:"summary,omitempty"`
	Content         models.EvaluationContent `json:"content"`
	Recommendations []string                 `json:"recommendations,omitempty"`
	NextSteps       []string                 `json:"next_steps,omitempty"`
}

type DrainRequest struct {
	MaxItems int `json:"max_items,omitempty"`
}

type ReembedRequest struct {
	Type     string `json:"type"`
	SourceID string `json:"source_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}
