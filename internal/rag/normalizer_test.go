package rag

import (
	"strings"
	"testing"
	"time"

	"github.com/dylanparallax/trellis-v4-sub000/models"
)

func TestNormalizeObservationHeader(t *testing.T) {
	date := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	doc := NormalizeObservation(models.Observation{
		ID:              "obs-1",
		TeacherID:       "t-1",
		ObserverID:      "o-1",
		SchoolID:        "s-1",
		Date:            date,
		Subject:         "Math",
		FocusAreas:      []string{"engagement", "questioning"},
		ObservationType: "FORMAL",
		RawNotes:        "raw notes",
		EnhancedNotes:   "enhanced notes",
		Teacher:         &models.Teacher{Name: "Jordan Lee"},
		Observer:        &models.StaffUser{Name: "Pat Kim"},
		School:          &models.School{Name: "Lincoln Elementary"},
	})

	wantLines := []string{
		"[Type] Observation",
		"[Date] 2026-03-14",
		"[School] Lincoln Elementary",
		"[Teacher] Jordan Lee",
		"[Observer] Pat Kim",
		"[Subject] Math",
		"[Focus Areas] engagement, questioning",
		"[Observation Type] FORMAL",
	}
	if doc.Header != strings.Join(wantLines, "\n") {
		t.Fatalf("header mismatch:\n%s", doc.Header)
	}
	if doc.Body != "Strengths/Evidence:\nenhanced notes" {
		t.Fatalf("expected enhanced notes preferred, got %q", doc.Body)
	}
	if !strings.HasPrefix(doc.Text(), doc.Header+"\n\n") {
		t.Fatalf("Text() should join header and body with a blank line")
	}
	if doc.Metadata["type"] != "observation" || doc.Metadata["id"] != "obs-1" {
		t.Fatalf("unexpected metadata: %+v", doc.Metadata)
	}
	if doc.Metadata["date"] != "2026-03-14" {
		t.Fatalf("expected ISO date metadata, got %v", doc.Metadata["date"])
	}
}

func TestNormalizeObservationUnknownFallbacks(t *testing.T) {
	doc := NormalizeObservation(models.Observation{
		ID:       "obs-2",
		RawNotes: "only raw",
	})
	for _, want := range []string{
		"[School] Unknown School",
		"[Teacher] Unknown Teacher",
		"[Observer] Unknown Observer",
		"[Focus Areas] —",
	} {
		if !strings.Contains(doc.Header, want) {
			t.Fatalf("header missing %q:\n%s", want, doc.Header)
		}
	}
	if doc.Body != "Strengths/Evidence:\nonly raw" {
		t.Fatalf("expected raw notes fallback, got %q", doc.Body)
	}
}

func TestNormalizeEvaluationSections(t *testing.T) {
	doc := NormalizeEvaluation(models.Evaluation{
		ID:              "ev-1",
		Status:          "SUBMITTED",
		EvalType:        "ANNUAL",
		Summary:         "Strong year overall.",
		Content:         models.EvaluationContent{Text: "Detailed narrative."},
		Recommendations: []string{"more peer review", "student-led discussion"},
		NextSteps:       []string{"observe in May"},
		CreatedAt:       time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		Teacher:         &models.Teacher{Name: "Jordan Lee"},
		Evaluator:       &models.StaffUser{Name: "Pat Kim"},
		School:          &models.School{Name: "Lincoln Elementary"},
	})

	want := strings.Join([]string{
		"Summary:\nStrong year overall.",
		"Content:\nDetailed narrative.",
		"Recommendations:\n- more peer review\n- student-led discussion",
		"Next Steps:\n- observe in May",
	}, "\n\n")
	if doc.Body != want {
		t.Fatalf("body mismatch:\n%s", doc.Body)
	}
	if !strings.Contains(doc.Header, "[Eval Type] ANNUAL") || !strings.Contains(doc.Header, "[Status] SUBMITTED") {
		t.Fatalf("header missing evaluation fields:\n%s", doc.Header)
	}
}

func TestNormalizeEvaluationOmitsEmptySections(t *testing.T) {
	doc := NormalizeEvaluation(models.Evaluation{ID: "ev-2"})
	if strings.Contains(doc.Body, "Summary:") {
		t.Fatalf("empty summary should be omitted:\n%s", doc.Body)
	}
	if strings.Contains(doc.Body, "Recommendations:") || strings.Contains(doc.Body, "Next Steps:") {
		t.Fatalf("empty list sections should be omitted:\n%s", doc.Body)
	}
	// Content is always present, even when empty
	if !strings.Contains(doc.Body, "Content:") {
		t.Fatalf("content section missing:\n%s", doc.Body)
	}
	if !strings.Contains(doc.Header, "[Evaluator] Unknown Evaluator") {
		t.Fatalf("expected evaluator fallback:\n%s", doc.Header)
	}
}
