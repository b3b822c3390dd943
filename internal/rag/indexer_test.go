package rag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dylanparallax/trellis-v4-sub000/models"
)

type fakeChunkStore struct {
	byHash     map[string]ChunkRecord
	upsertErr  error
	deleteErr  error
	candidates []ChunkRecord
	lastFilter CandidateFilter
}

func newFakeChunkStore() *fakeChunkStore {
	return &fakeChunkStore{byHash: map[string]ChunkRecord{}}
}

func (f *fakeChunkStore) UpsertChunk(ctx context.Context, rec ChunkRecord) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.byHash[rec.ContentHash] = rec
	return nil
}

func (f *fakeChunkStore) DeleteChunks(ctx context.Context, sourceType models.SourceType, sourceID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for h, rec := range f.byHash {
		if rec.SourceType == sourceType && rec.SourceID == sourceID {
			delete(f.byHash, h)
		}
	}
	return nil
}

func (f *fakeChunkStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]ChunkRecord, error) {
	f.lastFilter = filter
	return f.candidates, nil
}

type fakeQueue struct {
	entries []QueueEntry
	nextID  int64
}

func (f *fakeQueue) Enqueue(ctx context.Context, action Action, sourceType models.SourceType, sourceID string) error {
	f.nextID++
	f.entries = append(f.entries, QueueEntry{
		ID:         f.nextID,
		Action:     action,
		SourceType: sourceType,
		SourceID:   sourceID,
		CreatedAt:  time.Now(),
	})
	return nil
}

func (f *fakeQueue) ListPending(ctx context.Context, limit int) ([]QueueEntry, error) {
	if len(f.entries) > limit {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func (f *fakeQueue) Remove(ctx context.Context, id int64) error {
	for i, e := range f.entries {
		if e.ID == id {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeQueue) MarkFailed(ctx context.Context, id int64) error {
	for i := range f.entries {
		if f.entries[i].ID == id {
			f.entries[i].AttemptCount++
			return nil
		}
	}
	return nil
}

func (f *fakeQueue) MarkDead(ctx context.Context, id int64) error {
	for i, e := range f.entries {
		if e.ID == id {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

type fakeSource struct {
	observations map[string]models.Observation
	evaluations  map[string]models.Evaluation
	missing      []string
}

func (f *fakeSource) GetObservation(ctx context.Context, id string) (models.Observation, error) {
	o, ok := f.observations[id]
	if !ok {
		return models.Observation{}, models.ErrRecordNotFound
	}
	return o, nil
}

func (f *fakeSource) GetEvaluation(ctx context.Context, id string) (models.Evaluation, error) {
	e, ok := f.evaluations[id]
	if !ok {
		return models.Evaluation{}, models.ErrRecordNotFound
	}
	return e, nil
}

func (f *fakeSource) ListRecordsMissingEmbedding(ctx context.Context, sourceType models.SourceType, limit int) ([]string, error) {
	if len(f.missing) > limit {
		return f.missing[:limit], nil
	}
	return f.missing, nil
}

type fakeRecordStore struct {
	vectors map[string][]float32
}

func (f *fakeRecordStore) SetRecordEmbedding(ctx context.Context, sourceType models.SourceType, id string, vector []float32) error {
	if f.vectors == nil {
		f.vectors = map[string][]float32{}
	}
	f.vectors[string(sourceType)+":"+id] = vector
	return nil
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 4)
		for j, r := range text {
			vec[j%4] += float32(r%13) / 13
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func testIndexer(chunks *fakeChunkStore, queue *fakeQueue, source *fakeSource, records *fakeRecordStore, embed Embedder) *Indexer {
	return NewIndexer(chunks, queue, source, records, embed, IndexerOptions{MaxAttempts: 5}, nil)
}

func sampleObservation(id string) models.Observation {
	return models.Observation{
		ID:        id,
		TeacherID: "t-1",
		SchoolID:  "school-a",
		Date:      time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		RawNotes:  "Students were engaged during the warm-up.",
		School:    &models.School{ID: "school-a", Name: "Lincoln", District: "d-9"},
	}
}

func TestProcessQueueIndexesObservation(t *testing.T) {
	chunks := newFakeChunkStore()
	queue := &fakeQueue{}
	source := &fakeSource{observations: map[string]models.Observation{"obs-1": sampleObservation("obs-1")}}
	ix := testIndexer(chunks, queue, source, &fakeRecordStore{}, &fakeEmbedder{})

	ix.Enqueue(context.Background(), ActionUpsert, models.SourceObservation, "obs-1")
	stats, err := ix.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if stats.Succeeded != 1 || stats.Chunks != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(queue.entries) != 0 {
		t.Fatalf("expected queue drained, %d entries left", len(queue.entries))
	}
	if len(chunks.byHash) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks.byHash))
	}
	for _, rec := range chunks.byHash {
		if rec.SchoolID != "school-a" || rec.District != "d-9" {
			t.Fatalf("scope not propagated: %+v", rec)
		}
		if rec.Metadata["chunkIndex"] != 0 {
			t.Fatalf("expected chunkIndex metadata, got %v", rec.Metadata["chunkIndex"])
		}
	}
}

func TestProcessQueueIdempotentReindex(t *testing.T) {
	chunks := newFakeChunkStore()
	queue := &fakeQueue{}
	source := &fakeSource{observations: map[string]models.Observation{"obs-1": sampleObservation("obs-1")}}
	ix := testIndexer(chunks, queue, source, &fakeRecordStore{}, &fakeEmbedder{})

	for i := 0; i < 2; i++ {
		ix.Enqueue(context.Background(), ActionUpsert, models.SourceObservation, "obs-1")
		if _, err := ix.ProcessQueue(context.Background(), 10); err != nil {
			t.Fatalf("ProcessQueue pass %d: %v", i, err)
		}
	}
	// unchanged content hashes to the same key, so no duplicate rows
	if len(chunks.byHash) != 1 {
		t.Fatalf("re-index duplicated chunks: got %d", len(chunks.byHash))
	}
}

func TestProcessQueueDelete(t *testing.T) {
	chunks := newFakeChunkStore()
	queue := &fakeQueue{}
	source := &fakeSource{observations: map[string]models.Observation{"obs-1": sampleObservation("obs-1")}}
	ix := testIndexer(chunks, queue, source, &fakeRecordStore{}, &fakeEmbedder{})

	ix.Enqueue(context.Background(), ActionUpsert, models.SourceObservation, "obs-1")
	if _, err := ix.ProcessQueue(context.Background(), 10); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	ix.Enqueue(context.Background(), ActionDelete, models.SourceObservation, "obs-1")
	stats, err := ix.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessQueue delete: %v", err)
	}
	if stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(chunks.byHash) != 0 {
		t.Fatalf("expected chunks removed, %d remain", len(chunks.byHash))
	}
}

func TestProcessQueueMissingRecordSkips(t *testing.T) {
	chunks := newFakeChunkStore()
	queue := &fakeQueue{}
	ix := testIndexer(chunks, queue, &fakeSource{}, &fakeRecordStore{}, &fakeEmbedder{})

	ix.Enqueue(context.Background(), ActionUpsert, models.SourceObservation, "gone")
	stats, err := ix.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	// record deleted between enqueue and drain is not a failure
	if stats.Failed != 0 || stats.Skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(queue.entries) != 0 {
		t.Fatalf("expected entry removed, %d remain", len(queue.entries))
	}
}

func TestProcessQueueFailureIncrementsAttempts(t *testing.T) {
	chunks := newFakeChunkStore()
	queue := &fakeQueue{}
	source := &fakeSource{observations: map[string]models.Observation{"obs-1": sampleObservation("obs-1")}}
	embed := &fakeEmbedder{err: errors.New("provider down")}
	ix := testIndexer(chunks, queue, source, &fakeRecordStore{}, embed)

	ix.Enqueue(context.Background(), ActionUpsert, models.SourceObservation, "obs-1")
	stats, err := ix.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(queue.entries) != 1 || queue.entries[0].AttemptCount != 1 {
		t.Fatalf("expected entry retained with attempt_count=1, got %+v", queue.entries)
	}
}

func TestProcessQueueDeadLetterAtCap(t *testing.T) {
	chunks := newFakeChunkStore()
	queue := &fakeQueue{}
	source := &fakeSource{observations: map[string]models.Observation{"obs-1": sampleObservation("obs-1")}}
	embed := &fakeEmbedder{err: errors.New("provider down")}
	ix := testIndexer(chunks, queue, source, &fakeRecordStore{}, embed)

	ix.Enqueue(context.Background(), ActionUpsert, models.SourceObservation, "obs-1")
	for i := 0; i < 5; i++ {
		if _, err := ix.ProcessQueue(context.Background(), 10); err != nil {
			t.Fatalf("ProcessQueue attempt %d: %v", i, err)
		}
	}
	stats, err := ix.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessQueue final: %v", err)
	}
	if stats.Dead != 1 {
		t.Fatalf("expected dead-letter at attempt cap, got %+v", stats)
	}
	if len(queue.entries) != 0 {
		t.Fatalf("dead entry should leave pending queue, %d remain", len(queue.entries))
	}
}

func TestEnqueueInvalidJobIgnored(t *testing.T) {
	queue := &fakeQueue{}
	ix := testIndexer(newFakeChunkStore(), queue, &fakeSource{}, &fakeRecordStore{}, &fakeEmbedder{})

	ix.Enqueue(context.Background(), ActionUpsert, models.SourceType("BOGUS"), "id-1")
	ix.Enqueue(context.Background(), ActionUpsert, models.SourceObservation, "")
	if len(queue.entries) != 0 {
		t.Fatalf("invalid jobs should not be enqueued, got %d", len(queue.entries))
	}
}

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash("id-1", models.SourceObservation, 0, "hello")
	b := ContentHash("id-1", models.SourceObservation, 0, "hello")
	if a != b {
		t.Fatalf("hash not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %d chars", len(a))
	}
	if a == ContentHash("id-1", models.SourceObservation, 1, "hello") {
		t.Fatalf("chunk index should affect the hash")
	}
	if a == ContentHash("id-1", models.SourceEvaluation, 0, "hello") {
		t.Fatalf("source type should affect the hash")
	}
}

func TestReembedRecordStoresVector(t *testing.T) {
	records := &fakeRecordStore{}
	source := &fakeSource{observations: map[string]models.Observation{"obs-1": sampleObservation("obs-1")}}
	ix := testIndexer(newFakeChunkStore(), &fakeQueue{}, source, records, &fakeEmbedder{})

	if err := ix.ReembedRecord(context.Background(), models.SourceObservation, "obs-1"); err != nil {
		t.Fatalf("ReembedRecord: %v", err)
	}
	if _, ok := records.vectors["OBSERVATION:obs-1"]; !ok {
		t.Fatalf("record embedding not stored: %+v", records.vectors)
	}
}

func TestReembedMissing(t *testing.T) {
	records := &fakeRecordStore{}
	source := &fakeSource{
		observations: map[string]models.Observation{
			"obs-1": sampleObservation("obs-1"),
			"obs-2": sampleObservation("obs-2"),
		},
		missing: []string{"obs-1", "obs-2", "gone"},
	}
	ix := testIndexer(newFakeChunkStore(), &fakeQueue{}, source, records, &fakeEmbedder{})

	done, err := ix.ReembedMissing(context.Background(), models.SourceObservation, 10)
	if err != nil {
		t.Fatalf("ReembedMissing: %v", err)
	}
	// records deleted since listing are skipped, not fatal
	if done != 2 {
		t.Fatalf("expected 2 embedded, got %d", done)
	}
}
