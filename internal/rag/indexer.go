package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dylanparallax/trellis-v4-sub000/models"
)

// Action is a pending index operation kind.
type Action string

const (
	ActionUpsert Action = "UPSERT"
	ActionDelete Action = "DELETE"
)

// QueueEntry is one pending unit of indexing work.
type QueueEntry struct {
	ID           int64
	Action       Action
	SourceType   models.SourceType
	SourceID     string
	AttemptCount int
	CreatedAt    time.Time
}

// ChunkRecord is a persisted, embedded fragment of a source record.
type ChunkRecord struct {
	ID          string
	SourceType  models.SourceType
	SourceID    string
	SchoolID    string
	District    string
	Content     string
	TokenCount  int
	Embedding   []float32
	ContentHash string
	Metadata    map[string]interface{}
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CandidateFilter scopes a candidate chunk fetch.
type CandidateFilter struct {
	SchoolID   string
	District   string
	SourceType models.SourceType
	StartDate  *time.Time
	EndDate    *time.Time
	Limit      int
}

// ChunkStore persists embedded chunks keyed by content hash.
type ChunkStore interface {
	UpsertChunk(ctx context.Context, rec ChunkRecord) error
	DeleteChunks(ctx context.Context, sourceType models.SourceType, sourceID string) error
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]ChunkRecord, error)
}

// QueueStore is the durable index work queue.
type QueueStore interface {
	Enqueue(ctx context.Context, action Action, sourceType models.SourceType, sourceID string) error
	ListPending(ctx context.Context, limit int) ([]QueueEntry, error)
	Remove(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
	MarkDead(ctx context.Context, id int64) error
}

// SourceReader fetches source records with their joined context.
type SourceReader interface {
	GetObservation(ctx context.Context, id string) (models.Observation, error)
	GetEvaluation(ctx context.Context, id string) (models.Evaluation, error)
	ListRecordsMissingEmbedding(ctx context.Context, sourceType models.SourceType, limit int) ([]string, error)
}

// RecordEmbeddingStore persists whole-record embeddings on source rows.
type RecordEmbeddingStore interface {
	SetRecordEmbedding(ctx context.Context, sourceType models.SourceType, id string, vector []float32) error
}

// DrainStats summarises one queue drain.
type DrainStats struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Dead      int `json:"dead"`
	Chunks    int `json:"chunks"`
}

// Indexer keeps the chunk store consistent with source record content by
// draining the index queue.
type Indexer struct {
	chunks  ChunkStore
	queue   QueueStore
	source  SourceReader
	records RecordEmbeddingStore
	embed   Embedder
	logger  *log.Logger

	maxChars     int
	overlapChars int
	maxAttempts  int
}

// IndexerOptions tunes chunking and retry behaviour. Zero values use defaults.
type IndexerOptions struct {
	MaxChars     int
	OverlapChars int
	MaxAttempts  int
}

// NewIndexer builds an indexer over the supplied stores.
func NewIndexer(chunks ChunkStore, queue QueueStore, source SourceReader, records RecordEmbeddingStore, embed Embedder, opts IndexerOptions, logger *log.Logger) *Indexer {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.OverlapChars <= 0 {
		opts.OverlapChars = DefaultOverlapChars
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[INDEXER] ", log.LstdFlags)
	}
	return &Indexer{
		chunks:       chunks,
		queue:        queue,
		source:       source,
		records:      records,
		embed:        embed,
		logger:       logger,
		maxChars:     opts.MaxChars,
		overlapChars: opts.OverlapChars,
		maxAttempts:  opts.MaxAttempts,
	}
}

// ContentHash returns the idempotency key for a chunk at a given position
// within its source record.
func ContentHash(sourceID string, sourceType models.SourceType, chunkIndex int, content string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d:%s", sourceID, sourceType, chunkIndex, content)))
	return hex.EncodeToString(sum[:])
}

// Enqueue appends an index job. Indexing is a derived side effect of the
// primary write, so failures are logged and swallowed rather than surfaced to
// the caller.
func (ix *Indexer) Enqueue(ctx context.Context, action Action, sourceType models.SourceType, sourceID string) {
	if !sourceType.Valid() || sourceID == "" {
		ix.logger.Printf("warn: skipping enqueue of invalid job %s %s %q", action, sourceType, sourceID)
		return
	}
	if err := ix.queue.Enqueue(ctx, action, sourceType, sourceID); err != nil {
		ix.logger.Printf("warn: enqueue %s %s/%s failed: %v", action, sourceType, sourceID, err)
	}
}

// ProcessQueue drains up to maxItems pending entries in FIFO order. Failures
// are recorded per entry and do not abort the batch; entries that exceed the
// attempt cap are flagged dead so a poison item cannot starve the queue.
func (ix *Indexer) ProcessQueue(ctx context.Context, maxItems int) (DrainStats, error) {
	if maxItems <= 0 {
		maxItems = 50
	}
	var stats DrainStats

	entries, err := ix.queue.ListPending(ctx, maxItems)
	if err != nil {
		return stats, fmt.Errorf("list pending index jobs: %w", err)
	}

	for _, entry := range entries {
		stats.Processed++
		if entry.AttemptCount >= ix.maxAttempts {
			if err := ix.queue.MarkDead(ctx, entry.ID); err != nil {
				ix.logger.Printf("warn: mark job %d dead failed: %v", entry.ID, err)
			}
			stats.Dead++
			indexJobsDead.Inc()
			ix.logger.Printf("job %d (%s %s/%s) exceeded %d attempts, moved to dead letter",
				entry.ID, entry.Action, entry.SourceType, entry.SourceID, ix.maxAttempts)
			continue
		}

		chunkCount, skipped, err := ix.processEntry(ctx, entry)
		if err != nil {
			stats.Failed++
			indexJobsFailed.Inc()
			if markErr := ix.queue.MarkFailed(ctx, entry.ID); markErr != nil {
				ix.logger.Printf("warn: mark job %d failed: %v", entry.ID, markErr)
			}
			ix.logger.Printf("index job %d (%s %s/%s) failed: %v", entry.ID, entry.Action, entry.SourceType, entry.SourceID, err)
			continue
		}
		if err := ix.queue.Remove(ctx, entry.ID); err != nil {
			ix.logger.Printf("warn: remove completed job %d failed: %v", entry.ID, err)
		}
		if skipped {
			stats.Skipped++
			continue
		}
		stats.Succeeded++
		stats.Chunks += chunkCount
		chunksIndexed.Add(float64(chunkCount))
	}
	return stats, nil
}

func (ix *Indexer) processEntry(ctx context.Context, entry QueueEntry) (int, bool, error) {
	switch entry.Action {
	case ActionDelete:
		if err := ix.chunks.DeleteChunks(ctx, entry.SourceType, entry.SourceID); err != nil {
			return 0, false, fmt.Errorf("delete chunks: %w", err)
		}
		return 0, false, nil
	case ActionUpsert:
		doc, schoolID, district, err := ix.loadDocument(ctx, entry.SourceType, entry.SourceID)
		if errors.Is(err, models.ErrRecordNotFound) {
			// Deleted between enqueue and drain; nothing to index.
			return 0, true, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("load source record: %w", err)
		}
		count, err := ix.indexDocument(ctx, entry.SourceType, entry.SourceID, schoolID, district, doc)
		return count, false, err
	default:
		return 0, false, fmt.Errorf("unknown index action %q", entry.Action)
	}
}

func (ix *Indexer) loadDocument(ctx context.Context, sourceType models.SourceType, sourceID string) (Document, string, string, error) {
	switch sourceType {
	case models.SourceObservation:
		o, err := ix.source.GetObservation(ctx, sourceID)
		if err != nil {
			return Document{}, "", "", err
		}
		return NormalizeObservation(o), o.SchoolID, districtOf(o.School), nil
	case models.SourceEvaluation:
		e, err := ix.source.GetEvaluation(ctx, sourceID)
		if err != nil {
			return Document{}, "", "", err
		}
		return NormalizeEvaluation(e), e.SchoolID, districtOf(e.School), nil
	default:
		return Document{}, "", "", fmt.Errorf("unknown source type %q", sourceType)
	}
}

func (ix *Indexer) indexDocument(ctx context.Context, sourceType models.SourceType, sourceID, schoolID, district string, doc Document) (int, error) {
	chunks := SplitText(doc.Text(), ix.maxChars, ix.overlapChars)
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := ix.embed.EmbedTexts(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embed chunks: expected %d vectors, got %d", len(chunks), len(vectors))
	}

	now := time.Now().UTC()
	for i, ch := range chunks {
		metadata := make(map[string]interface{}, len(doc.Metadata)+1)
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		metadata["chunkIndex"] = ch.Index

		rec := ChunkRecord{
			SourceType:  sourceType,
			SourceID:    sourceID,
			SchoolID:    schoolID,
			District:    district,
			Content:     ch.Content,
			TokenCount:  ch.TokenCount,
			Embedding:   vectors[i],
			ContentHash: ContentHash(sourceID, sourceType, ch.Index, ch.Content),
			Metadata:    metadata,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := ix.chunks.UpsertChunk(ctx, rec); err != nil {
			return 0, fmt.Errorf("upsert chunk %d: %w", ch.Index, err)
		}
	}
	return len(chunks), nil
}

// ReembedRecord embeds the whole-record representation of one source row and
// stores it on the row itself. This is the second embedding pathway used for
// "similar records" search; it shares the normalizer with the chunk pipeline.
func (ix *Indexer) ReembedRecord(ctx context.Context, sourceType models.SourceType, sourceID string) error {
	doc, _, _, err := ix.loadDocument(ctx, sourceType, sourceID)
	if err != nil {
		return err
	}
	vector, err := EmbedQuery(ctx, ix.embed, doc.Text())
	if err != nil {
		return fmt.Errorf("embed record: %w", err)
	}
	if err := ix.records.SetRecordEmbedding(ctx, sourceType, sourceID, vector); err != nil {
		return fmt.Errorf("store record embedding: %w", err)
	}
	return nil
}

// ReembedMissing embeds up to limit records of the given type that have no
// stored whole-record embedding yet. Returns how many records were embedded.
func (ix *Indexer) ReembedMissing(ctx context.Context, sourceType models.SourceType, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := ix.source.ListRecordsMissingEmbedding(ctx, sourceType, limit)
	if err != nil {
		return 0, fmt.Errorf("list records missing embedding: %w", err)
	}
	var done int
	for _, id := range ids {
		if err := ix.ReembedRecord(ctx, sourceType, id); err != nil {
			if errors.Is(err, models.ErrRecordNotFound) {
				continue
			}
			return done, fmt.Errorf("reembed %s/%s: %w", sourceType, id, err)
		}
		done++
	}
	return done, nil
}

func districtOf(s *models.School) string {
	if s == nil {
		return ""
	}
	return s.District
}
