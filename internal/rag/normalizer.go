package rag

import (
	"fmt"
	"strings"
	"time"

	"github.com/dylanparallax/trellis-v4-sub000/models"
)

// Document is the canonical text representation of a source record. The same
// representation feeds both the chunked index pipeline and whole-record
// embeddings so the two never drift apart.
type Document struct {
	Header   string
	Body     string
	Metadata map[string]interface{}
}

// Text returns the full indexable text for the document.
func (d Document) Text() string {
	return d.Header + "\n\n" + d.Body
}

// NormalizeObservation builds the canonical text and metadata for an
// observation. Missing joined entities degrade to "Unknown ..." placeholders
// rather than failing, since a chunk with a partial header is still useful.
func NormalizeObservation(o models.Observation) Document {
	teacherName := "Unknown Teacher"
	if o.Teacher != nil && o.Teacher.Name != "" {
		teacherName = o.Teacher.Name
	}
	observerName := "Unknown Observer"
	if o.Observer != nil && o.Observer.Name != "" {
		observerName = o.Observer.Name
	}
	schoolName := "Unknown School"
	if o.School != nil && o.School.Name != "" {
		schoolName = o.School.Name
	}
	focusAreas := "—"
	if len(o.FocusAreas) > 0 {
		focusAreas = strings.Join(o.FocusAreas, ", ")
	}

	header := strings.Join([]string{
		"[Type] Observation",
		fmt.Sprintf("[Date] %s", isoDate(o.Date)),
		fmt.Sprintf("[School] %s", schoolName),
		fmt.Sprintf("[Teacher] %s", teacherName),
		fmt.Sprintf("[Observer] %s", observerName),
		fmt.Sprintf("[Subject] %s", o.Subject),
		fmt.Sprintf("[Focus Areas] %s", focusAreas),
		fmt.Sprintf("[Observation Type] %s", o.ObservationType),
	}, "\n")

	notes := o.EnhancedNotes
	if notes == "" {
		notes = o.RawNotes
	}
	body := "Strengths/Evidence:\n" + notes

	return Document{
		Header: header,
		Body:   body,
		Metadata: map[string]interface{}{
			"type":       "observation",
			"id":         o.ID,
			"teacherId":  o.TeacherID,
			"observerId": o.ObserverID,
			"schoolId":   o.SchoolID,
			"subject":    o.Subject,
			"focusAreas": o.FocusAreas,
			"date":       isoDate(o.Date),
		},
	}
}

// NormalizeEvaluation builds the canonical text and metadata for an
// evaluation. Empty sections are omitted entirely; remaining sections are
// joined by blank lines.
func NormalizeEvaluation(e models.Evaluation) Document {
	teacherName := "Unknown Teacher"
	if e.Teacher != nil && e.Teacher.Name != "" {
		teacherName = e.Teacher.Name
	}
	evaluatorName := "Unknown Evaluator"
	if e.Evaluator != nil && e.Evaluator.Name != "" {
		evaluatorName = e.Evaluator.Name
	}
	schoolName := "Unknown School"
	if e.School != nil && e.School.Name != "" {
		schoolName = e.School.Name
	}

	header := strings.Join([]string{
		"[Type] Evaluation",
		fmt.Sprintf("[Date] %s", isoDate(e.CreatedAt)),
		fmt.Sprintf("[School] %s", schoolName),
		fmt.Sprintf("[Teacher] %s", teacherName),
		fmt.Sprintf("[Evaluator] %s", evaluatorName),
		fmt.Sprintf("[Eval Type] %s", e.EvalType),
		fmt.Sprintf("[Status] %s", e.Status),
	}, "\n")

	var sections []string
	if e.Summary != "" {
		sections = append(sections, "Summary:\n"+e.Summary)
	}
	sections = append(sections, "Content:\n"+e.Content.Text)
	if len(e.Recommendations) > 0 {
		sections = append(sections, "Recommendations:\n"+bulletList(e.Recommendations))
	}
	if len(e.NextSteps) > 0 {
		sections = append(sections, "Next Steps:\n"+bulletList(e.NextSteps))
	}

	return Document{
		Header: header,
		Body:   strings.Join(sections, "\n\n"),
		Metadata: map[string]interface{}{
			"type":        "evaluation",
			"id":          e.ID,
			"teacherId":   e.TeacherID,
			"evaluatorId": e.EvaluatorID,
			"schoolId":    e.SchoolID,
			"status":      e.Status,
			"createdAt":   isoDate(e.CreatedAt),
		},
	}
}

func bulletList(items []string) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, "- "+item)
	}
	return strings.Join(lines, "\n")
}

func isoDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
