package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lexreport/api/internal/blocks"
)

var (
	ErrSectionLocked = errors.New("section is locked")
	// ErrStaleWrite means the row changed since the version the writer read.
	ErrStaleWrite = errors.New("section changed since base version")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// EnsureUser returns the user with email, creating an editor when absent.
func (s *PostgresStore) EnsureUser(ctx context.Context, name, email string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		email = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", ".")) + "@local.lexreport.dev"
	}

	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, role, created_at FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name, email)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET display_name = users.display_name
		RETURNING id, display_name, email, role, created_at
	`, name, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, role, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) InsertReport(ctx context.Context, title, createdBy string) (Report, error) {
	var item Report
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reports (title, created_by)
		VALUES ($1, NULLIF($2, '')::uuid)
		RETURNING id, title, COALESCE(created_by::text, ''), published, created_at, updated_at
	`, title, createdBy).Scan(&item.ID, &item.Title, &item.CreatedBy, &item.Published, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Report{}, fmt.Errorf("insert report: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetReport(ctx context.Context, reportID string) (Report, error) {
	var item Report
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, COALESCE(created_by::text, ''), published, created_at, updated_at
		FROM reports
		WHERE id=$1
	`, reportID).Scan(&item.ID, &item.Title, &item.CreatedBy, &item.Published, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Report{}, err
	}
	return item, nil
}

const sectionColumns = `id, report_id, type, title, order_index, parent_id, content_blocks, locked, updated_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSection(row rowScanner) (Section, error) {
	var (
		item     Section
		parentID sql.NullString
		content  []byte
	)
	if err := row.Scan(&item.ID, &item.ReportID, &item.Type, &item.Title, &item.OrderIndex, &parentID,
		&content, &item.Locked, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Section{}, err
	}
	if parentID.Valid {
		item.ParentID = &parentID.String
	}
	list, err := blocks.DecodeList(content)
	if err != nil {
		return Section{}, fmt.Errorf("decode section %s blocks: %w", item.ID, err)
	}
	item.ContentBlocks = list
	return item, nil
}

func (s *PostgresStore) ListSections(ctx context.Context, reportID string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sectionColumns+`
		FROM sections
		WHERE report_id=$1
		ORDER BY order_index ASC, created_at ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	items := make([]Section, 0)
	for rows.Next() {
		item, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetSection(ctx context.Context, sectionID string) (Section, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE id=$1`, sectionID)
	return scanSection(row)
}

// InsertSection stores item. A negative OrderIndex appends after the last
// section of the report.
func (s *PostgresStore) InsertSection(ctx context.Context, item Section) (Section, error) {
	content, err := encodeBlocks(item.ContentBlocks)
	if err != nil {
		return Section{}, err
	}
	if item.Type == "" {
		item.Type = "custom"
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sections (report_id, type, title, order_index, parent_id, content_blocks, updated_by)
		VALUES (
			$1, $2, $3,
			CASE WHEN $4 < 0
				THEN (SELECT COALESCE(MAX(order_index) + 1, 0) FROM sections WHERE report_id = $1)
				ELSE $4 END,
			NULLIF($5, '')::uuid, $6::jsonb, $7
		)
		RETURNING `+sectionColumns,
		item.ReportID, item.Type, item.Title, item.OrderIndex, derefString(item.ParentID), content, item.UpdatedBy)
	created, err := scanSection(row)
	if err != nil {
		return Section{}, fmt.Errorf("insert section: %w", err)
	}
	return created, nil
}

// UpdateSectionBlocks replaces a section's content. When base is non-nil the
// write only lands if the row still carries that updated_at.
func (s *PostgresStore) UpdateSectionBlocks(ctx context.Context, sectionID string, list []blocks.Block, userID string, base *time.Time) (Section, error) {
	content, err := encodeBlocks(list)
	if err != nil {
		return Section{}, err
	}

	var baseArg any
	if base != nil {
		baseArg = *base
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE sections
		SET content_blocks=$2::jsonb, updated_by=$3, updated_at=NOW()
		WHERE id=$1 AND NOT locked AND ($4::timestamptz IS NULL OR updated_at = $4::timestamptz)
		RETURNING `+sectionColumns,
		sectionID, content, userID, baseArg)
	updated, err := scanSection(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Section{}, fmt.Errorf("update section blocks: %w", err)
	}

	current, err := s.GetSection(ctx, sectionID)
	if err != nil {
		return Section{}, err
	}
	if current.Locked {
		return current, ErrSectionLocked
	}
	return current, ErrStaleWrite
}

func (s *PostgresStore) SetSectionLocked(ctx context.Context, sectionID string, locked bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sections SET locked=$2 WHERE id=$1`, sectionID, locked)
	if err != nil {
		return fmt.Errorf("set section lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set section lock rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ReorderSections applies every order change of one report atomically.
func (s *PostgresStore) ReorderSections(ctx context.Context, reportID string, order []SectionOrder) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range order {
		result, err := tx.ExecContext(ctx, `
			UPDATE sections SET order_index=$3 WHERE id=$1 AND report_id=$2
		`, item.ID, reportID, item.OrderIndex)
		if err != nil {
			return fmt.Errorf("reorder section %s: %w", item.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("reorder section %s rows: %w", item.ID, err)
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func encodeBlocks(list []blocks.Block) (string, error) {
	if list == nil {
		list = []blocks.Block{}
	}
	content, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode blocks: %w", err)
	}
	return string(content), nil
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
