package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fairdatahub/download-api/internal/models"
)

const downloadColumns = `id, facility_name, session_id, user_name, full_name, transport, file_name,
       email, is_email_sent, status, is_two_level, prepared_id, size, is_deleted, created_at, completed_at, deleted_at`

// DownloadRepository handles download persistence. The scheduler assumes it is
// the only writer mutating a download's status once the download is queued.
type DownloadRepository struct {
	db *sqlx.DB
}

// NewDownloadRepository constructs the repository.
func NewDownloadRepository(db *sqlx.DB) *DownloadRepository {
	return &DownloadRepository{db: db}
}

// Create stores a download and its items in one transaction.
func (r *DownloadRepository) Create(ctx context.Context, download *models.Download) error {
	if download.CreatedAt.IsZero() {
		download.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create download: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `INSERT INTO downloads
	(facility_name, session_id, user_name, full_name, transport, file_name, email, is_email_sent,
	 status, is_two_level, prepared_id, size, is_deleted, created_at, completed_at, deleted_at)
	VALUES (:facility_name, :session_id, :user_name, :full_name, :transport, :file_name, :email, :is_email_sent,
	 :status, :is_two_level, :prepared_id, :size, :is_deleted, :created_at, :completed_at, :deleted_at)
	RETURNING id`

	rows, err := tx.NamedQuery(query, download)
	if err != nil {
		return fmt.Errorf("create download: %w", err)
	}
	if rows.Next() {
		if err := rows.Scan(&download.ID); err != nil {
			rows.Close()
			return fmt.Errorf("scan download id: %w", err)
		}
	}
	rows.Close()

	for i := range download.Items {
		download.Items[i].DownloadID = download.ID
	}
	if err := insertItems(ctx, tx, download.Items); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create download: %w", err)
	}
	return nil
}

func insertItems(ctx context.Context, tx *sqlx.Tx, items []models.DownloadItem) error {
	if len(items) == 0 {
		return nil
	}
	const query = `INSERT INTO download_items (download_id, entity_id, entity_type)
	VALUES (:download_id, :entity_id, :entity_type)`
	if _, err := tx.NamedExecContext(ctx, query, items); err != nil {
		return fmt.Errorf("create download items: %w", err)
	}
	return nil
}

// GetByID retrieves one download with its items, including soft-deleted rows
// so administrators can resurrect them.
func (r *DownloadRepository) GetByID(ctx context.Context, id int64) (*models.Download, error) {
	query := fmt.Sprintf(`SELECT %s FROM downloads WHERE id = $1`, downloadColumns)
	var download models.Download
	if err := r.db.GetContext(ctx, &download, query, id); err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, &download); err != nil {
		return nil, err
	}
	return &download, nil
}

// Save persists the mutable fields of an existing download.
func (r *DownloadRepository) Save(ctx context.Context, download *models.Download) error {
	const query = `UPDATE downloads SET
	session_id = :session_id, email = :email, is_email_sent = :is_email_sent, status = :status,
	is_two_level = :is_two_level, prepared_id = :prepared_id, size = :size,
	is_deleted = :is_deleted, completed_at = :completed_at, deleted_at = :deleted_at
	WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, download)
	if err != nil {
		return fmt.Errorf("save download %d: %w", download.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check saved download rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FindActive returns the non-deleted, non-expired downloads the scheduler
// must advance: PREPARING, RESTORING over http(s), or COMPLETE with a
// pending notification e-mail.
func (r *DownloadRepository) FindActive(ctx context.Context) ([]models.Download, error) {
	query := fmt.Sprintf(`SELECT %s FROM downloads
	WHERE is_deleted = false AND status <> 'EXPIRED'
	  AND (status = 'PREPARING'
	       OR (status = 'RESTORING' AND transport IN ('http', 'https'))
	       OR (email IS NOT NULL AND is_email_sent = false))
	ORDER BY created_at`, downloadColumns)

	var downloads []models.Download
	if err := r.db.SelectContext(ctx, &downloads, query); err != nil {
		return nil, fmt.Errorf("find active downloads: %w", err)
	}
	if err := r.loadItemsForAll(ctx, downloads); err != nil {
		return nil, err
	}
	return downloads, nil
}

// FindQueued returns non-deleted QUEUED downloads in creation order.
func (r *DownloadRepository) FindQueued(ctx context.Context) ([]models.Download, error) {
	query := fmt.Sprintf(`SELECT %s FROM downloads
	WHERE is_deleted = false AND status = 'QUEUED'
	ORDER BY created_at`, downloadColumns)

	var downloads []models.Download
	if err := r.db.SelectContext(ctx, &downloads, query); err != nil {
		return nil, fmt.Errorf("find queued downloads: %w", err)
	}
	if err := r.loadItemsForAll(ctx, downloads); err != nil {
		return nil, err
	}
	return downloads, nil
}

// CountRestoring counts non-deleted downloads currently RESTORING, used for
// the admission concurrency cap.
func (r *DownloadRepository) CountRestoring(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM downloads WHERE is_deleted = false AND status = 'RESTORING'`
	var count int
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("count restoring downloads: %w", err)
	}
	return count, nil
}

// DownloadFilter narrows List results.
type DownloadFilter struct {
	FacilityName   string
	UserName       string
	Status         models.DownloadStatus
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// List returns downloads applying filters, newest first.
func (r *DownloadRepository) List(ctx context.Context, filter DownloadFilter) ([]models.Download, error) {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("SELECT %s FROM downloads", downloadColumns))
	args := make([]interface{}, 0, 4)
	conditions := make([]string, 0, 4)

	if !filter.IncludeDeleted {
		conditions = append(conditions, "is_deleted = false")
	}
	if filter.FacilityName != "" {
		args = append(args, filter.FacilityName)
		conditions = append(conditions, fmt.Sprintf("facility_name = $%d", len(args)))
	}
	if filter.UserName != "" {
		args = append(args, filter.UserName)
		conditions = append(conditions, fmt.Sprintf("user_name = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var downloads []models.Download
	if err := r.db.SelectContext(ctx, &downloads, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	return downloads, nil
}

// SoftDelete marks a download as deleted without removing the row, or undoes
// a prior soft delete when deleted is false.
func (r *DownloadRepository) SoftDelete(ctx context.Context, id int64, deleted bool) error {
	var query string
	var args []interface{}
	if deleted {
		query = `UPDATE downloads SET is_deleted = true, deleted_at = $2 WHERE id = $1`
		args = []interface{}{id, time.Now().UTC()}
	} else {
		query = `UPDATE downloads SET is_deleted = false, deleted_at = NULL WHERE id = $1`
		args = []interface{}{id}
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("soft delete download %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check download delete rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *DownloadRepository) loadItems(ctx context.Context, download *models.Download) error {
	const query = `SELECT id, download_id, entity_id, entity_type FROM download_items
	WHERE download_id = $1 ORDER BY id`
	if err := r.db.SelectContext(ctx, &download.Items, query, download.ID); err != nil {
		return fmt.Errorf("load items for download %d: %w", download.ID, err)
	}
	return nil
}

func (r *DownloadRepository) loadItemsForAll(ctx context.Context, downloads []models.Download) error {
	if len(downloads) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(downloads))
	byID := make(map[int64]*models.Download, len(downloads))
	for i := range downloads {
		ids = append(ids, downloads[i].ID)
		byID[downloads[i].ID] = &downloads[i]
	}

	query, args, err := sqlx.In(`SELECT id, download_id, entity_id, entity_type FROM download_items
	WHERE download_id IN (?) ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("build items query: %w", err)
	}
	query = r.db.Rebind(query)

	var items []models.DownloadItem
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return fmt.Errorf("load download items: %w", err)
	}
	for _, item := range items {
		if download, ok := byID[item.DownloadID]; ok {
			download.Items = append(download.Items, item)
		}
	}
	return nil
}
