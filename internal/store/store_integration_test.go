package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dylanparallax/trellis-v4-sub000/internal/rag"
	"github.com/dylanparallax/trellis-v4-sub000/internal/store"
	"github.com/dylanparallax/trellis-v4-sub000/models"
)

// stubEmbedder produces deterministic small vectors sized to the schema's
// vector column so the full pipeline round-trips through pgvector.
type stubEmbedder struct{}

func (stubEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, store.DefaultEmbeddingDimensions)
		for j, r := range text {
			vec[j%store.DefaultEmbeddingDimensions] += float32(r%17) / 17
		}
		out[i] = vec
	}
	return out, nil
}

func TestIndexAndSearchRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		testcontainers.WithImage("pgvector/pgvector:pg16"),
		tcPostgres.WithDatabase("trellis"),
		tcPostgres.WithUsername("trellis"),
		tcPostgres.WithPassword("trellis"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://trellis:trellis@%s:%s/trellis?sslmode=disable", host, port.Port())

	if err := applyMigrations(ctx, dsn); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}

	schoolID, err := st.CreateSchool(ctx, "Lincoln Elementary", "District 9")
	if err != nil {
		t.Fatalf("create school: %v", err)
	}
	observerEmail := fmt.Sprintf("pat-%s@example.org", uuid.New().String())
	observerID, err := st.CreateStaffUser(ctx, observerEmail, "hash", "Pat Kim", models.RoleEvaluator, schoolID)
	if err != nil {
		t.Fatalf("create staff: %v", err)
	}
	teacherID, err := st.CreateTeacher(ctx, "Jordan Lee", "Math", schoolID)
	if err != nil {
		t.Fatalf("create teacher: %v", err)
	}
	obsID, err := st.CreateObservation(ctx, models.Observation{
		TeacherID:  teacherID,
		ObserverID: observerID,
		SchoolID:   schoolID,
		Date:       time.Now(),
		Subject:    "Math",
		FocusAreas: []string{"engagement"},
		RawNotes:   "Students collaborated well during the number talk.",
	})
	if err != nil {
		t.Fatalf("create observation: %v", err)
	}

	indexer := rag.NewIndexer(st, st, st, st, stubEmbedder{}, rag.IndexerOptions{}, nil)
	indexer.Enqueue(ctx, rag.ActionUpsert, models.SourceObservation, obsID)

	stats, err := indexer.ProcessQueue(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if stats.Succeeded != 1 || stats.Chunks < 1 {
		t.Fatalf("unexpected drain stats: %+v", stats)
	}

	n, err := st.CountChunks(ctx, models.SourceObservation, obsID)
	if err != nil {
		t.Fatalf("CountChunks: %v", err)
	}
	if n != stats.Chunks {
		t.Fatalf("expected %d chunks stored, got %d", stats.Chunks, n)
	}

	// re-index is idempotent: same content, same hashes, no duplicates
	indexer.Enqueue(ctx, rag.ActionUpsert, models.SourceObservation, obsID)
	if _, err := indexer.ProcessQueue(ctx, 10); err != nil {
		t.Fatalf("ProcessQueue reindex: %v", err)
	}
	n2, err := st.CountChunks(ctx, models.SourceObservation, obsID)
	if err != nil {
		t.Fatalf("CountChunks after reindex: %v", err)
	}
	if n2 != n {
		t.Fatalf("re-index changed chunk count: %d -> %d", n, n2)
	}

	retriever := rag.NewRetriever(st, st, st, stubEmbedder{}, rag.RetrieverOptions{}, nil)
	results, err := retriever.Search(ctx, rag.SearchRequest{
		Query:        "collaboration during math",
		Role:         models.RoleAdmin,
		UserSchoolID: schoolID,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one search result")
	}
	if results[0].SourceID != obsID {
		t.Fatalf("expected observation hit, got %+v", results[0])
	}

	// a different school sees nothing
	otherSchool, err := st.CreateSchool(ctx, "Other School", "")
	if err != nil {
		t.Fatalf("create other school: %v", err)
	}
	results, err = retriever.Search(ctx, rag.SearchRequest{
		Query:        "collaboration during math",
		Role:         models.RoleAdmin,
		UserSchoolID: otherSchool,
	})
	if err != nil {
		t.Fatalf("Search other school: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("school scope leaked: %d results", len(results))
	}

	// whole-record pathway
	if err := indexer.ReembedRecord(ctx, models.SourceObservation, obsID); err != nil {
		t.Fatalf("ReembedRecord: %v", err)
	}
	hits, err := retriever.SimilarRecords(ctx, rag.SimilarRequest{
		Query:        "collaboration during math",
		Role:         models.RoleAdmin,
		UserSchoolID: schoolID,
	})
	if err != nil {
		t.Fatalf("SimilarRecords: %v", err)
	}
	if len(hits) != 1 || hits[0].SourceID != obsID {
		t.Fatalf("unexpected similar records: %+v", hits)
	}

	// delete removes the chunks
	indexer.Enqueue(ctx, rag.ActionDelete, models.SourceObservation, obsID)
	if _, err := indexer.ProcessQueue(ctx, 10); err != nil {
		t.Fatalf("ProcessQueue delete: %v", err)
	}
	n3, err := st.CountChunks(ctx, models.SourceObservation, obsID)
	if err != nil {
		t.Fatalf("CountChunks after delete: %v", err)
	}
	if n3 != 0 {
		t.Fatalf("expected 0 chunks after delete, got %d", n3)
	}
}

func applyMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "migrations", "000001_init.up.sql"))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
