package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/DECSResearch/GrantWatch/model"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS {{t}} (
	submission_id  TEXT PRIMARY KEY,
	opportunity_id TEXT NOT NULL DEFAULT '',
	overall        TEXT NOT NULL DEFAULT 'pending',
	schema_version INTEGER NOT NULL DEFAULT 1,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	expires_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS {{t}}_expires_at ON {{t}}(expires_at);
CREATE TABLE IF NOT EXISTS {{t}}_files (
	submission_id  TEXT NOT NULL,
	requirement_id TEXT NOT NULL,
	filename       TEXT NOT NULL DEFAULT '',
	object_key     TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	messages       TEXT NOT NULL DEFAULT '[]',
	content_type   TEXT NOT NULL DEFAULT '',
	size_bytes     INTEGER NOT NULL DEFAULT 0,
	page_count     INTEGER,
	etag           TEXT NOT NULL DEFAULT '',
	uploaded_at    TEXT NOT NULL,
	validated_at   TEXT,
	PRIMARY KEY (submission_id, requirement_id)
);
`

// SQLiteStore keeps submissions in two tables: one row per submission and
// one row per requirement slot, so a slot write is a single-row upsert that
// cannot clobber sibling slots.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	table     string
	retention time.Duration
	now       func() time.Time
}

// NewSQLiteStore opens (or creates) dataDir/doccheck.db and ensures the
// submission tables exist.
func NewSQLiteStore(dataDir, table string, retention time.Duration) (*SQLiteStore, error) {
	if table == "" {
		return nil, fmt.Errorf("%w: submission table name is not set", model.ErrConfiguration)
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid table name %q", model.ErrConfiguration, table)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "doccheck.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one writer at a time; slot upserts stay row-scoped
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(strings.ReplaceAll(sqliteSchema, "{{t}}", table)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{
		db:        db,
		path:      dbPath,
		table:     table,
		retention: retention,
		now:       time.Now,
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) q(query string) string {
	return strings.ReplaceAll(query, "{{t}}", s.table)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func (s *SQLiteStore) Create(ctx context.Context, sub *model.Submission) error {
	now := s.now().UTC()
	sub.UpdatedAt = now
	sub.ExpiresAt = now.Add(s.retention)
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.Overall == "" {
		sub.Overall = model.OverallPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// a supplied id that expired but was not yet swept is reused
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM {{t}}_files WHERE submission_id = ?`), sub.ID); err != nil {
		return fmt.Errorf("clearing slots: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT OR REPLACE INTO {{t}} (submission_id, opportunity_id, overall, schema_version, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sub.ID, sub.OpportunityID, string(sub.Overall), model.SchemaVersion,
		formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt), sub.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	for reqID, f := range sub.Files {
		if err := s.upsertSlot(ctx, tx, sub.ID, reqID, f); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Submission, error) {
	var (
		sub                  model.Submission
		overall              string
		createdAt, updatedAt string
		expiresAt            int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT submission_id, opportunity_id, overall, schema_version, created_at, updated_at, expires_at
		FROM {{t}} WHERE submission_id = ? AND expires_at > ?`),
		id, s.now().UnixNano(),
	).Scan(&sub.ID, &sub.OpportunityID, &overall, &sub.SchemaVersion, &createdAt, &updatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", model.ErrSubmissionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying submission: %w", err)
	}
	sub.Overall = model.OverallStatus(overall)
	sub.CreatedAt = parseTime(createdAt)
	sub.UpdatedAt = parseTime(updatedAt)
	sub.ExpiresAt = time.Unix(0, expiresAt).UTC()
	sub.Files = map[string]model.FileRecord{}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT requirement_id, filename, object_key, status, messages, content_type,
		       size_bytes, page_count, etag, uploaded_at, validated_at
		FROM {{t}}_files WHERE submission_id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			reqID, status, messages, uploadedAt string
			f                                   model.FileRecord
			pageCount                           sql.NullInt64
			validatedAt                         sql.NullString
		)
		if err := rows.Scan(&reqID, &f.Filename, &f.Key, &status, &messages, &f.ContentType,
			&f.SizeBytes, &pageCount, &f.ETag, &uploadedAt, &validatedAt); err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		f.Status = model.FileStatus(status)
		if err := json.Unmarshal([]byte(messages), &f.Messages); err != nil {
			f.Messages = []string{}
		}
		if pageCount.Valid {
			n := int(pageCount.Int64)
			f.PageCount = &n
		}
		f.UploadedAt = parseTime(uploadedAt)
		if validatedAt.Valid {
			t := parseTime(validatedAt.String)
			f.ValidatedAt = &t
		}
		sub.Files[reqID] = f
	}
	return &sub, rows.Err()
}

// touch refreshes updated_at and the expiry marker. It is the first write
// of every mutation so the transaction takes the write lock immediately.
func (s *SQLiteStore) touch(ctx context.Context, tx *sql.Tx, id string, extraSet string, args ...any) error {
	now := s.now().UTC()
	query := `UPDATE {{t}} SET updated_at = ?, expires_at = ?`
	if extraSet != "" {
		query += ", " + extraSet
	}
	query += ` WHERE submission_id = ? AND expires_at > ?`

	params := append([]any{formatTime(now), now.Add(s.retention).UnixNano()}, args...)
	params = append(params, id, now.UnixNano())

	res, err := tx.ExecContext(ctx, s.q(query), params...)
	if err != nil {
		return fmt.Errorf("updating submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrSubmissionNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetOpportunity(ctx context.Context, id, opportunityID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.touch(ctx, tx, id,
			`opportunity_id = CASE WHEN opportunity_id = '' THEN ? ELSE opportunity_id END`, opportunityID)
	})
}

func (s *SQLiteStore) PutFile(ctx context.Context, id, requirementID string, file model.FileRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.touch(ctx, tx, id, `overall = CASE WHEN overall = '' THEN 'pending' ELSE overall END`); err != nil {
			return err
		}
		return s.upsertSlot(ctx, tx, id, requirementID, file)
	})
}

func (s *SQLiteStore) upsertSlot(ctx context.Context, tx *sql.Tx, id, requirementID string, f model.FileRecord) error {
	messages, err := json.Marshal(nonNilMessages(f.Messages))
	if err != nil {
		return err
	}
	var pageCount any
	if f.PageCount != nil {
		pageCount = *f.PageCount
	}
	var validatedAt any
	if f.ValidatedAt != nil {
		validatedAt = formatTime(*f.ValidatedAt)
	}
	status := f.Status
	if status == "" {
		status = model.FileStatusPending
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO {{t}}_files (submission_id, requirement_id, filename, object_key, status, messages,
		                         content_type, size_bytes, page_count, etag, uploaded_at, validated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (submission_id, requirement_id) DO UPDATE SET
			filename = excluded.filename,
			object_key = excluded.object_key,
			status = excluded.status,
			messages = excluded.messages,
			content_type = excluded.content_type,
			size_bytes = excluded.size_bytes,
			page_count = excluded.page_count,
			etag = excluded.etag,
			uploaded_at = excluded.uploaded_at,
			validated_at = excluded.validated_at`),
		id, requirementID, f.Filename, f.Key, string(status), string(messages),
		f.ContentType, f.SizeBytes, pageCount, f.ETag, formatTime(f.UploadedAt), validatedAt,
	)
	if err != nil {
		return fmt.Errorf("writing slot %s: %w", requirementID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateFileStatus(ctx context.Context, id, requirementID string, u FileUpdate) error {
	messages, err := json.Marshal(nonNilMessages(u.Messages))
	if err != nil {
		return err
	}
	var pageCount any
	if u.PageCount != nil {
		pageCount = *u.PageCount
	}
	validatedAt := u.ValidatedAt
	if validatedAt.IsZero() {
		validatedAt = s.now()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.touch(ctx, tx, id, ""); err != nil {
			return err
		}

		var current string
		err := tx.QueryRowContext(ctx, s.q(`SELECT object_key FROM {{t}}_files WHERE submission_id = ? AND requirement_id = ?`),
			id, requirementID).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("reading slot %s: %w", requirementID, err)
		case isStaleKey(current, u.Key):
			return fmt.Errorf("%w: slot %s tracks %s", model.ErrUploadSuperseded, requirementID, current)
		}

		// filename, object_key and uploaded_at only change when the key does
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO {{t}}_files (submission_id, requirement_id, filename, object_key, status, messages,
			                         content_type, size_bytes, page_count, etag, uploaded_at, validated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (submission_id, requirement_id) DO UPDATE SET
				filename = CASE WHEN excluded.object_key = '' OR object_key = excluded.object_key THEN filename ELSE excluded.filename END,
				uploaded_at = CASE WHEN excluded.object_key = '' OR object_key = excluded.object_key THEN uploaded_at ELSE excluded.uploaded_at END,
				object_key = CASE WHEN excluded.object_key = '' THEN object_key ELSE excluded.object_key END,
				status = excluded.status,
				messages = excluded.messages,
				content_type = excluded.content_type,
				size_bytes = excluded.size_bytes,
				page_count = excluded.page_count,
				etag = excluded.etag,
				validated_at = excluded.validated_at`),
			id, requirementID, u.Filename, u.Key, string(u.Status), string(messages),
			u.ContentType, u.SizeBytes, pageCount, u.ETag, formatTime(validatedAt), formatTime(validatedAt),
		)
		if err != nil {
			return fmt.Errorf("updating slot %s: %w", requirementID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) UpdateOverall(ctx context.Context, id string, overall model.OverallStatus) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.touch(ctx, tx, id, `overall = ?`, string(overall))
	})
}

// Sweep deletes expired submissions and their slots.
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().UnixNano()
	var removed int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
			DELETE FROM {{t}}_files WHERE submission_id IN
				(SELECT submission_id FROM {{t}} WHERE expires_at <= ?)`), cutoff); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM {{t}} WHERE expires_at <= ?`), cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return int(removed), err
}

// StartJanitor runs Sweep every interval until ctx is cancelled.
func (s *SQLiteStore) StartJanitor(ctx context.Context, interval time.Duration) {
	go runJanitor(ctx, interval, func() (int, error) { return s.Sweep(ctx) })
}

func nonNilMessages(m []string) []string {
	if m == nil {
		return []string{}
	}
	return m
}
