package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/haasonsaas/conduit/internal/observability"
	"github.com/haasonsaas/conduit/pkg/models"
)

// NewSQLStores creates stores over a database opened with OpenDB. Closing
// the returned set closes db.
func NewSQLStores(db *sql.DB, metrics *observability.Metrics) StoreSet {
	q := queryer{db: db, metrics: metrics}
	return StoreSet{
		Assistants: &cockroachAssistantStore{q},
		Threads:    &cockroachThreadStore{q},
		Messages:   &cockroachMessageStore{q},
		Runs:       &cockroachRunStore{q},
		closer:     db.Close,
	}
}

type queryer struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func (q queryer) observe(operation, table string, start time.Time, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	q.metrics.RecordDatabaseQuery(operation, table, err, time.Since(start))
}

func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "duplicate")
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

type cockroachAssistantStore struct {
	queryer
}

func (s *cockroachAssistantStore) Create(ctx context.Context, assistant *models.Assistant) error {
	if assistant == nil || assistant.ID == "" {
		return fmt.Errorf("assistant is required")
	}
	tools, err := marshalJSON(assistant.Tools)
	if err != nil {
		return fmt.Errorf("marshal assistant tools: %w", err)
	}
	start := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assistants (id, name, model, instructions, tools, file_ids, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		assistant.ID,
		assistant.Name,
		assistant.Model,
		assistant.Instructions,
		tools,
		pq.Array(assistant.FileIDs),
		assistant.CreatedAt,
	)
	s.observe("insert", "assistants", start, err)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create assistant: %w", err)
	}
	return nil
}

func (s *cockroachAssistantStore) Get(ctx context.Context, id string) (*models.Assistant, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, model, instructions, tools, file_ids, created_at
		 FROM assistants WHERE id = $1`, id)

	var a models.Assistant
	var tools []byte
	var fileIDs []string
	err := row.Scan(&a.ID, &a.Name, &a.Model, &a.Instructions, &tools, pq.Array(&fileIDs), &a.CreatedAt)
	s.observe("select", "assistants", start, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get assistant: %w", err)
	}
	a.FileIDs = fileIDs
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &a.Tools); err != nil {
			return nil, fmt.Errorf("unmarshal assistant tools: %w", err)
		}
	}
	return &a, nil
}

type cockroachThreadStore struct {
	queryer
}

func (s *cockroachThreadStore) Create(ctx context.Context, thread *models.Thread) error {
	if thread == nil || thread.ID == "" {
		return fmt.Errorf("thread is required")
	}
	meta, err := marshalJSON(thread.Metadata)
	if err != nil {
		return fmt.Errorf("marshal thread metadata: %w", err)
	}
	start := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, metadata, created_at) VALUES ($1,$2,$3)`,
		thread.ID, meta, thread.CreatedAt)
	s.observe("insert", "threads", start, err)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

func (s *cockroachThreadStore) Get(ctx context.Context, id string) (*models.Thread, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	start := time.Now()
	var t models.Thread
	var meta []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, metadata, created_at FROM threads WHERE id = $1`, id).
		Scan(&t.ID, &meta, &t.CreatedAt)
	s.observe("select", "threads", start, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal thread metadata: %w", err)
		}
	}
	return &t, nil
}

type cockroachMessageStore struct {
	queryer
}

func (s *cockroachMessageStore) Insert(ctx context.Context, msg *models.ThreadMessage) error {
	if msg == nil || msg.ID == "" || msg.ThreadID == "" {
		return fmt.Errorf("message with id and thread id is required")
	}
	meta, err := marshalJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	start := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO thread_messages (id, thread_id, assistant_id, run_id, role, content, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		msg.ID,
		msg.ThreadID,
		nullString(msg.AssistantID),
		nullString(msg.RunID),
		string(msg.Role),
		msg.Content,
		meta,
		msg.CreatedAt,
	)
	s.observe("insert", "thread_messages", start, err)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *cockroachMessageStore) ListByThread(ctx context.Context, threadID string) ([]*models.ThreadMessage, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, assistant_id, run_id, role, content, metadata, created_at
		 FROM thread_messages WHERE thread_id = $1 ORDER BY created_at ASC, seq ASC`, threadID)
	s.observe("select", "thread_messages", start, err)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.ThreadMessage
	for rows.Next() {
		var m models.ThreadMessage
		var assistantID, runID sql.NullString
		var role string
		var meta []byte
		if err := rows.Scan(&m.ID, &m.ThreadID, &assistantID, &runID, &role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.AssistantID = assistantID.String
		m.RunID = runID.String
		m.Role = models.Role(role)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal message metadata: %w", err)
			}
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

type cockroachRunStore struct {
	queryer
}

const runColumns = `id, thread_id, assistant_id, model, instructions, tools, status, created_at, started_at, completed_at, failed_at`

func (s *cockroachRunStore) Create(ctx context.Context, run *models.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run is required")
	}
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}
	tools, err := marshalJSON(run.Tools)
	if err != nil {
		return fmt.Errorf("marshal run tools: %w", err)
	}
	start := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, thread_id, assistant_id, model, instructions, tools, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		run.ID,
		run.ThreadID,
		run.AssistantID,
		run.Model,
		run.Instructions,
		tools,
		string(run.Status),
		run.CreatedAt,
	)
	s.observe("insert", "runs", start, err)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *cockroachRunStore) Get(ctx context.Context, id string) (*models.Run, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	start := time.Now()
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	s.observe("select", "runs", start, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Transition applies the change with a single conditional UPDATE so two
// writers racing on the same run cannot both succeed.
func (s *cockroachRunStore) Transition(ctx context.Context, id string, next models.RunStatus, at time.Time) (*models.Run, error) {
	column, ok := transitionColumn(next)
	if !ok {
		return nil, fmt.Errorf("%w: no transition into %s", ErrInvalidTransition, next)
	}
	sources := make([]string, 0, 2)
	for _, from := range models.TransitionSources(next) {
		sources = append(sources, string(from))
	}

	start := time.Now()
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`UPDATE runs SET status = $1, `+column+` = $2
		 WHERE id = $3 AND status = ANY($4)
		 RETURNING `+runColumns,
		string(next), at, id, pq.Array(sources)))
	s.observe("update", "runs", start, err)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition run: %w", err)
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next)
}

func transitionColumn(next models.RunStatus) (string, bool) {
	switch next {
	case models.RunStatusInProgress:
		return "started_at", true
	case models.RunStatusCompleted:
		return "completed_at", true
	case models.RunStatusFailed:
		return "failed_at", true
	}
	return "", false
}

func scanRun(row *sql.Row) (*models.Run, error) {
	var r models.Run
	var tools []byte
	var status string
	var startedAt, completedAt, failedAt sql.NullTime
	if err := row.Scan(
		&r.ID,
		&r.ThreadID,
		&r.AssistantID,
		&r.Model,
		&r.Instructions,
		&tools,
		&status,
		&r.CreatedAt,
		&startedAt,
		&completedAt,
		&failedAt,
	); err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.FailedAt = timePtr(failedAt)
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &r.Tools); err != nil {
			return nil, fmt.Errorf("unmarshal run tools: %w", err)
		}
	}
	return &r, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
