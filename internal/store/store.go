package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/dylanparallax/trellis-v4-sub000/internal/rag"
	"github.com/dylanparallax/trellis-v4-sub000/models"
)

// DefaultEmbeddingDimensions indicates the expected length of vectors stored
// in pgvector columns.
const DefaultEmbeddingDimensions = 1536

// Queue entry statuses.
const (
	QueueStatusPending = "pending"
	QueueStatusDead    = "dead"
)

// Store wraps the Postgres connection and implements the capability
// interfaces the RAG core depends on.
type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// ---- schools ----

func (s *Store) CreateSchool(ctx context.Context, name, district string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO schools (name, district) VALUES ($1,$2) RETURNING id`,
		name, nullableString(district)).Scan(&id)
	return id, err
}

func (s *Store) GetSchool(ctx context.Context, id string) (models.School, error) {
	var (
		school   models.School
		district sql.NullString
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, district FROM schools WHERE id=$1`, id).
		Scan(&school.ID, &school.Name, &district)
	if errors.Is(err, sql.ErrNoRows) {
		return models.School{}, models.ErrSchoolNotFound
	}
	if err != nil {
		return models.School{}, err
	}
	school.District = district.String
	return school, nil
}

// ---- staff users ----

func (s *Store) CreateStaffUser(ctx context.Context, email, passwordHash, name string, role models.Role, schoolID string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO staff_users (email, password_hash, name, role, school_id) VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		email, passwordHash, name, string(role), schoolID).Scan(&id)
	return id, err
}

// GetStaffByEmail returns the credentials and scope claims for a staff login.
func (s *Store) GetStaffByEmail(ctx context.Context, email string) (user models.StaffUser, hash string, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, name, role, school_id FROM staff_users WHERE email=$1`, email).
		Scan(&user.ID, &user.Email, &hash, &user.Name, &user.Role, &user.SchoolID)
	return
}

// ---- teachers ----

func (s *Store) CreateTeacher(ctx context.Context, name, subject, schoolID string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO teachers (name, subject, school_id) VALUES ($1,$2,$3) RETURNING id`,
		name, nullableString(subject), schoolID).Scan(&id)
	return id, err
}

// ---- observations ----

func (s *Store) CreateObservation(ctx context.Context, o models.Observation) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO observations (teacher_id, observer_id, school_id, date, subject, focus_areas, observation_type, raw_notes, enhanced_notes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING id
`, o.TeacherID, o.ObserverID, o.SchoolID, o.Date, nullableString(o.Subject), pq.Array(o.FocusAreas),
		nullableString(o.ObservationType), nullableString(o.RawNotes), nullableString(o.EnhancedNotes)).Scan(&id)
	return id, err
}

// GetObservation fetches an observation with its joined teacher, observer and
// school. Returns models.ErrRecordNotFound when the row does not exist.
func (s *Store) GetObservation(ctx context.Context, id string) (models.Observation, error) {
	var (
		o                                  models.Observation
		subject, obsType, raw, enhanced    sql.NullString
		teacherName, teacherSubject        sql.NullString
		observerName, schoolName, district sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT o.id, o.teacher_id, o.observer_id, o.school_id, o.date, o.subject, o.focus_areas,
       o.observation_type, o.raw_notes, o.enhanced_notes, o.created_at, o.updated_at,
       t.name, t.subject, u.name, sc.name, sc.district
FROM observations o
LEFT JOIN teachers t ON t.id = o.teacher_id
LEFT JOIN staff_users u ON u.id = o.observer_id
LEFT JOIN schools sc ON sc.id = o.school_id
WHERE o.id = $1
`, id).Scan(&o.ID, &o.TeacherID, &o.ObserverID, &o.SchoolID, &o.Date, &subject, pq.Array(&o.FocusAreas),
		&obsType, &raw, &enhanced, &o.CreatedAt, &o.UpdatedAt,
		&teacherName, &teacherSubject, &observerName, &schoolName, &district)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Observation{}, models.ErrRecordNotFound
	}
	if err != nil {
		return models.Observation{}, err
	}
	o.Subject = subject.String
	o.ObservationType = obsType.String
	o.RawNotes = raw.String
	o.EnhancedNotes = enhanced.String
	if teacherName.Valid {
		o.Teacher = &models.Teacher{ID: o.TeacherID, Name: teacherName.String, Subject: teacherSubject.String, SchoolID: o.SchoolID}
	}
	if observerName.Valid {
		o.Observer = &models.StaffUser{ID: o.ObserverID, Name: observerName.String, SchoolID: o.SchoolID}
	}
	if schoolName.Valid {
		o.School = &models.School{ID: o.SchoolID, Name: schoolName.String, District: district.String}
	}
	return o, nil
}

func (s *Store) DeleteObservation(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM observations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrRecordNotFound
	}
	return nil
}

// ---- evaluations ----

func (s *Store) CreateEvaluation(ctx context.Context, e models.Evaluation) (string, error) {
	contentJSON, err := json.Marshal(e.Content)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	var id string
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO evaluations (teacher_id, evaluator_id, school_id, eval_type, status, summary, content, recommendations, next_steps)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING id
`, e.TeacherID, e.EvaluatorID, e.SchoolID, nullableString(e.EvalType), nullableString(e.Status),
		nullableString(e.Summary), contentJSON, pq.Array(e.Recommendations), pq.Array(e.NextSteps)).Scan(&id)
	return id, err
}

// GetEvaluation fetches an evaluation with its joined teacher, evaluator and
// school. Returns models.ErrRecordNotFound when the row does not exist.
func (s *Store) GetEvaluation(ctx context.Context, id string) (models.Evaluation, error) {
	var (
		e                                models.Evaluation
		evalType, status, summary        sql.NullString
		contentBytes                     []byte
		teacherName, teacherSubject      sql.NullString
		evaluatorName, schoolName, distr sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT e.id, e.teacher_id, e.evaluator_id, e.school_id, e.eval_type, e.status, e.summary,
       e.content, e.recommendations, e.next_steps, e.created_at, e.updated_at,
       t.name, t.subject, u.name, sc.name, sc.district
FROM evaluations e
LEFT JOIN teachers t ON t.id = e.teacher_id
LEFT JOIN staff_users u ON u.id = e.evaluator_id
LEFT JOIN schools sc ON sc.id = e.school_id
WHERE e.id = $1
`, id).Scan(&e.ID, &e.TeacherID, &e.EvaluatorID, &e.SchoolID, &evalType, &status, &summary,
		&contentBytes, pq.Array(&e.Recommendations), pq.Array(&e.NextSteps), &e.CreatedAt, &e.UpdatedAt,
		&teacherName, &teacherSubject, &evaluatorName, &schoolName, &distr)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Evaluation{}, models.ErrRecordNotFound
	}
	if err != nil {
		return models.Evaluation{}, err
	}
	e.EvalType = evalType.String
	e.Status = status.String
	e.Summary = summary.String
	if len(contentBytes) > 0 {
		_ = json.Unmarshal(contentBytes, &e.Content)
	}
	if teacherName.Valid {
		e.Teacher = &models.Teacher{ID: e.TeacherID, Name: teacherName.String, Subject: teacherSubject.String, SchoolID: e.SchoolID}
	}
	if evaluatorName.Valid {
		e.Evaluator = &models.StaffUser{ID: e.EvaluatorID, Name: evaluatorName.String, SchoolID: e.SchoolID}
	}
	if schoolName.Valid {
		e.School = &models.School{ID: e.SchoolID, Name: schoolName.String, District: distr.String}
	}
	return e, nil
}

func (s *Store) DeleteEvaluation(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM evaluations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrRecordNotFound
	}
	return nil
}

// ---- rag chunks ----

// UpsertChunk writes a chunk keyed by its content hash. A hash collision on
// insert turns into an update of the stored content, vector and metadata.
func (s *Store) UpsertChunk(ctx context.Context, rec rag.ChunkRecord) error {
	if rec.ContentHash == "" {
		return fmt.Errorf("content_hash required")
	}
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("embedding vector required")
	}
	vectorLiteral, err := encodeVectorLiteral(rec.Embedding)
	if err != nil {
		return err
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO rag_chunks (source_type, source_id, school_id, district, content, token_count, embedding, content_hash, metadata, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7::vector,$8,$9,NOW(),NOW())
ON CONFLICT (content_hash) DO UPDATE SET
  school_id = EXCLUDED.school_id,
  district = EXCLUDED.district,
  content = EXCLUDED.content,
  token_count = EXCLUDED.token_count,
  embedding = EXCLUDED.embedding,
  metadata = EXCLUDED.metadata,
  updated_at = NOW();
`, string(rec.SourceType), rec.SourceID, rec.SchoolID, nullableString(rec.District),
		rec.Content, rec.TokenCount, vectorLiteral, rec.ContentHash, metaBytes)
	return err
}

// DeleteChunks removes all chunks derived from one source record.
func (s *Store) DeleteChunks(ctx context.Context, sourceType models.SourceType, sourceID string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM rag_chunks WHERE source_type=$1 AND source_id=$2`,
		string(sourceType), sourceID)
	return err
}

// ListCandidates returns up to filter.Limit chunks inside the visibility
// scope, most recently updated first. A bounded prefilter before similarity
// scoring, standing in for a proper ANN index.
func (s *Store) ListCandidates(ctx context.Context, filter rag.CandidateFilter) ([]rag.ChunkRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, source_type, source_id, school_id, district, content, token_count, embedding, content_hash, metadata, created_at, updated_at
FROM rag_chunks
WHERE ($1 = '' OR school_id::text = $1)
  AND ($2 = '' OR district = $2)
  AND ($3 = '' OR source_type = $3)
  AND ($4::timestamptz IS NULL OR COALESCE(metadata->>'date', metadata->>'createdAt')::date >= $4::date)
  AND ($5::timestamptz IS NULL OR COALESCE(metadata->>'date', metadata->>'createdAt')::date <= $5::date)
ORDER BY updated_at DESC
LIMIT $6
`, filter.SchoolID, filter.District, string(filter.SourceType), nullableTime(filter.StartDate), nullableTime(filter.EndDate), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rag.ChunkRecord
	for rows.Next() {
		var (
			rec        rag.ChunkRecord
			district   sql.NullString
			vecLiteral string
			metaBytes  []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SourceType, &rec.SourceID, &rec.SchoolID, &district,
			&rec.Content, &rec.TokenCount, &vecLiteral, &rec.ContentHash, &metaBytes,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.District = district.String
		vec, err := decodeVectorLiteral(vecLiteral)
		if err != nil {
			return nil, fmt.Errorf("decode embedding for chunk %s: %w", rec.ID, err)
		}
		rec.Embedding = vec
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountChunks returns the number of chunks stored for one source record.
func (s *Store) CountChunks(ctx context.Context, sourceType models.SourceType, sourceID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rag_chunks WHERE source_type=$1 AND source_id=$2`,
		string(sourceType), sourceID).Scan(&n)
	return n, err
}

// ---- index queue ----

func (s *Store) Enqueue(ctx context.Context, action rag.Action, sourceType models.SourceType, sourceID string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO rag_index_queue (action, source_type, source_id, status, attempt_count, created_at)
VALUES ($1,$2,$3,'pending',0,NOW())
`, string(action), string(sourceType), sourceID)
	return err
}

// ListPending returns up to limit pending queue entries, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]rag.QueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, action, source_type, source_id, attempt_count, created_at
FROM rag_index_queue
WHERE status = 'pending'
ORDER BY created_at ASC, id ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rag.QueueEntry
	for rows.Next() {
		var e rag.QueueEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.SourceType, &e.SourceID, &e.AttemptCount, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Remove(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM rag_index_queue WHERE id=$1`, id)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE rag_index_queue SET attempt_count = attempt_count + 1 WHERE id=$1`, id)
	return err
}

func (s *Store) MarkDead(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE rag_index_queue SET status = 'dead' WHERE id=$1`, id)
	return err
}

// ---- whole-record embeddings ----

func (s *Store) SetRecordEmbedding(ctx context.Context, sourceType models.SourceType, id string, vector []float32) error {
	table, err := recordTable(sourceType)
	if err != nil {
		return err
	}
	if len(vector) == 0 {
		return fmt.Errorf("embedding vector required")
	}
	vectorLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET embedding = $1::vector, updated_at = NOW() WHERE id = $2`, table),
		vectorLiteral, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrRecordNotFound
	}
	return nil
}

// ListRecordsMissingEmbedding returns ids of records without a stored
// whole-record embedding, oldest first.
func (s *Store) ListRecordsMissingEmbedding(ctx context.Context, sourceType models.SourceType, limit int) ([]string, error) {
	table, err := recordTable(sourceType)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE embedding IS NULL ORDER BY created_at ASC LIMIT $1`, table), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRecordEmbeddings returns embedded source rows inside the scope,
// filtering out rows with null embeddings.
func (s *Store) ListRecordEmbeddings(ctx context.Context, filter rag.RecordEmbeddingFilter) ([]rag.RecordEmbeddingRow, error) {
	types := []models.SourceType{models.SourceObservation, models.SourceEvaluation}
	if filter.SourceType != "" {
		types = []models.SourceType{filter.SourceType}
	}
	var out []rag.RecordEmbeddingRow
	for _, t := range types {
		rows, err := s.listRecordEmbeddingsFor(ctx, t, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *Store) listRecordEmbeddingsFor(ctx context.Context, sourceType models.SourceType, filter rag.RecordEmbeddingFilter) ([]rag.RecordEmbeddingRow, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	dateCol := "r.created_at"
	if sourceType == models.SourceObservation {
		dateCol = "r.date"
	}
	table, err := recordTable(sourceType)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT r.id, r.school_id, r.teacher_id, %s, r.embedding
FROM %s r
JOIN schools sc ON sc.id = r.school_id
WHERE r.embedding IS NOT NULL
  AND ($1 = '' OR r.school_id::text = $1)
  AND ($2 = '' OR sc.district = $2)
  AND ($3 = '' OR r.teacher_id::text = $3)
  AND ($4::timestamptz IS NULL OR %s >= $4)
  AND ($5::timestamptz IS NULL OR %s <= $5)
ORDER BY %s DESC
LIMIT $6
`, dateCol, table, dateCol, dateCol, dateCol)

	rows, err := s.DB.QueryContext(ctx, query,
		filter.SchoolID, filter.District, filter.TeacherID,
		nullableTime(filter.StartDate), nullableTime(filter.EndDate), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rag.RecordEmbeddingRow
	for rows.Next() {
		var (
			row        rag.RecordEmbeddingRow
			vecLiteral string
		)
		row.SourceType = sourceType
		if err := rows.Scan(&row.SourceID, &row.SchoolID, &row.TeacherID, &row.Date, &vecLiteral); err != nil {
			return nil, err
		}
		vec, err := decodeVectorLiteral(vecLiteral)
		if err != nil {
			return nil, fmt.Errorf("decode embedding for %s %s: %w", sourceType, row.SourceID, err)
		}
		row.Embedding = vec
		out = append(out, row)
	}
	return out, rows.Err()
}

func recordTable(sourceType models.SourceType) (string, error) {
	switch sourceType {
	case models.SourceObservation:
		return "observations", nil
	case models.SourceEvaluation:
		return "evaluations", nil
	default:
		return "", fmt.Errorf("unknown source type %q", sourceType)
	}
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func decodeVectorLiteral(lit string) ([]float32, error) {
	lit = strings.TrimSpace(lit)
	if lit == "" {
		return nil, fmt.Errorf("empty vector literal")
	}
	lit = strings.TrimPrefix(lit, "[")
	lit = strings.TrimSuffix(lit, "]")
	parts := strings.Split(lit, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector value %q: %w", value, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}
