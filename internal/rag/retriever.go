package rag

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/dylanparallax/trellis-v4-sub000/models"
)

// Retrieval defaults. TopK is clamped server-side regardless of what the
// caller asks for.
const (
	DefaultTopK           = 8
	MaxTopK               = 20
	DefaultCandidateLimit = 500
	DefaultSnippetChars   = 600
)

// SchoolReader resolves a school for district scope resolution.
type SchoolReader interface {
	GetSchool(ctx context.Context, id string) (models.School, error)
}

// RecordEmbeddingFilter scopes a whole-record embedding fetch. Rows without a
// stored embedding are never returned.
type RecordEmbeddingFilter struct {
	SchoolID   string
	District   string
	SourceType models.SourceType
	TeacherID  string
	StartDate  *time.Time
	EndDate    *time.Time
	Limit      int
}

// RecordEmbeddingRow is a source record row with its whole-record embedding.
type RecordEmbeddingRow struct {
	SourceType models.SourceType
	SourceID   string
	SchoolID   string
	District   string
	TeacherID  string
	Date       time.Time
	Embedding  []float32
}

// RecordEmbeddingReader lists embedded source rows for similar-record search.
type RecordEmbeddingReader interface {
	ListRecordEmbeddings(ctx context.Context, filter RecordEmbeddingFilter) ([]RecordEmbeddingRow, error)
}

// SearchFilters narrows a search beyond the role scope.
type SearchFilters struct {
	Type      models.SourceType `json:"type,omitempty"`
	StartDate *time.Time        `json:"start_date,omitempty"`
	EndDate   *time.Time        `json:"end_date,omitempty"`
}

// SearchRequest is a role-scoped semantic query. Role and UserSchoolID come
// from the authenticated session, never from client input.
type SearchRequest struct {
	Query        string
	Role         models.Role
	UserSchoolID string
	TopK         int
	Filters      SearchFilters
}

// SearchResult is one ranked hit, deduplicated per source record.
type SearchResult struct {
	ChunkID    string                 `json:"chunk_id"`
	SourceType models.SourceType      `json:"source_type"`
	SourceID   string                 `json:"source_id"`
	SchoolID   string                 `json:"school_id"`
	District   string                 `json:"district,omitempty"`
	Snippet    string                 `json:"snippet"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Score      float64                `json:"score"`
}

// SimilarRequest is a role-scoped whole-record similarity query.
type SimilarRequest struct {
	Query        string
	Role         models.Role
	UserSchoolID string
	SourceType   models.SourceType
	TeacherID    string
	MinScore     float64
	StartDate    *time.Time
	EndDate      *time.Time
	TopK         int
}

// RecordHit is one ranked whole-record hit.
type RecordHit struct {
	SourceType models.SourceType `json:"source_type"`
	SourceID   string            `json:"source_id"`
	SchoolID   string            `json:"school_id"`
	TeacherID  string            `json:"teacher_id,omitempty"`
	Date       time.Time         `json:"date"`
	Score      float64           `json:"score"`
}

// RetrieverOptions tunes candidate fetch and snippet sizes.
type RetrieverOptions struct {
	CandidateLimit int
	SnippetChars   int
}

// Retriever answers semantic queries over the chunk store with role-based
// visibility scoping.
type Retriever struct {
	chunks  ChunkStore
	records RecordEmbeddingReader
	schools SchoolReader
	embed   Embedder
	logger  *log.Logger

	candidateLimit int
	snippetChars   int
}

// NewRetriever builds a retriever over the supplied stores.
func NewRetriever(chunks ChunkStore, records RecordEmbeddingReader, schools SchoolReader, embed Embedder, opts RetrieverOptions, logger *log.Logger) *Retriever {
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = DefaultCandidateLimit
	}
	if opts.SnippetChars <= 0 {
		opts.SnippetChars = DefaultSnippetChars
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	return &Retriever{
		chunks:         chunks,
		records:        records,
		schools:        schools,
		embed:          embed,
		logger:         logger,
		candidateLimit: opts.CandidateLimit,
		snippetChars:   opts.SnippetChars,
	}
}

// scope is the resolved visibility restriction for one caller. Exactly one of
// SchoolID/District is set.
type scope struct {
	SchoolID string
	District string
}

// resolveScope maps a caller's role and school to a visibility scope. A
// district admin whose school has no district falls back to school scope; the
// scope is never widened to everything.
func (r *Retriever) resolveScope(ctx context.Context, role models.Role, userSchoolID string) (scope, error) {
	if userSchoolID == "" {
		return scope{}, fmt.Errorf("caller school required")
	}
	switch role {
	case models.RoleAdmin, models.RoleEvaluator, models.RoleTeacher:
		return scope{SchoolID: userSchoolID}, nil
	case models.RoleDistrictAdmin:
		school, err := r.schools.GetSchool(ctx, userSchoolID)
		if err != nil {
			return scope{}, fmt.Errorf("resolve district for school %s: %w", userSchoolID, err)
		}
		if school.District == "" {
			return scope{SchoolID: userSchoolID}, nil
		}
		return scope{District: school.District}, nil
	default:
		return scope{}, fmt.Errorf("unknown role %q", role)
	}
}

// Search embeds the query, scores scoped candidate chunks by cosine
// similarity, keeps the best chunk per source record and returns the top K.
func (r *Retriever) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("query required")
	}
	sc, err := r.resolveScope(ctx, req.Role, req.UserSchoolID)
	if err != nil {
		return nil, err
	}
	topK := clampTopK(req.TopK)

	candidates, err := r.chunks.ListCandidates(ctx, CandidateFilter{
		SchoolID:   sc.SchoolID,
		District:   sc.District,
		SourceType: req.Filters.Type,
		StartDate:  req.Filters.StartDate,
		EndDate:    req.Filters.EndDate,
		Limit:      r.candidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch candidate chunks: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	queryVec, err := EmbedQuery(ctx, r.embed, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	searchesTotal.Inc()

	type scored struct {
		chunk ChunkRecord
		score float64
	}
	scoredChunks := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		scoredChunks = append(scoredChunks, scored{chunk: c, score: CosineSimilarity(queryVec, c.Embedding)})
	}
	sort.SliceStable(scoredChunks, func(i, j int) bool { return scoredChunks[i].score > scoredChunks[j].score })

	// One result per source record: the highest-scoring chunk wins.
	seen := make(map[string]struct{}, topK)
	results := make([]SearchResult, 0, topK)
	for _, s := range scoredChunks {
		key := string(s.chunk.SourceType) + ":" + s.chunk.SourceID
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		results = append(results, SearchResult{
			ChunkID:    s.chunk.ID,
			SourceType: s.chunk.SourceType,
			SourceID:   s.chunk.SourceID,
			SchoolID:   s.chunk.SchoolID,
			District:   s.chunk.District,
			Snippet:    truncate(s.chunk.Content, r.snippetChars),
			Metadata:   s.chunk.Metadata,
			Score:      s.score,
		})
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

// SimilarRecords scores whole-record embeddings against the query under the
// same role scope, applying minScore and teacher/date narrowing filters.
func (r *Retriever) SimilarRecords(ctx context.Context, req SimilarRequest) ([]RecordHit, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("query required")
	}
	sc, err := r.resolveScope(ctx, req.Role, req.UserSchoolID)
	if err != nil {
		return nil, err
	}
	topK := clampTopK(req.TopK)

	rows, err := r.records.ListRecordEmbeddings(ctx, RecordEmbeddingFilter{
		SchoolID:   sc.SchoolID,
		District:   sc.District,
		SourceType: req.SourceType,
		TeacherID:  req.TeacherID,
		StartDate:  req.StartDate,
		EndDate:    req.EndDate,
		Limit:      r.candidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch record embeddings: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	queryVec, err := EmbedQuery(ctx, r.embed, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	searchesTotal.Inc()

	hits := make([]RecordHit, 0, len(rows))
	for _, row := range rows {
		score := CosineSimilarity(queryVec, row.Embedding)
		if score < req.MinScore {
			continue
		}
		hits = append(hits, RecordHit{
			SourceType: row.SourceType,
			SourceID:   row.SourceID,
			SchoolID:   row.SchoolID,
			TeacherID:  row.TeacherID,
			Date:       row.Date,
			Score:      score,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func clampTopK(k int) int {
	if k <= 0 {
		return DefaultTopK
	}
	if k > MaxTopK {
		return MaxTopK
	}
	return k
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
