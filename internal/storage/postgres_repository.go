package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodworks/internal/models"
)

// PostgresRepository persists video metadata in Postgres. Renditions are
// stored as a JSONB document alongside the row, mirroring the snapshot
// layout of the JSON driver.
type PostgresRepository struct {
	pool  *pgxpool.Pool
	cfg   PostgresConfig
	clock func() time.Time
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &PostgresRepository{pool: pool, cfg: cfg, clock: cfg.Clock}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return errors.New("postgres pool not initialised")
	}
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const videoColumns = "id, title, description, category, status, original_path, thumbnail_path, error, renditions, created_at, updated_at"

func (r *PostgresRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	title := normalizeTitle(params.Title)
	if title == "" {
		return models.Video{}, errors.New("title is required")
	}
	category := strings.TrimSpace(params.Category)
	if !models.ValidCategory(category) {
		return models.Video{}, fmt.Errorf("unknown category %q", category)
	}

	now := r.clock()
	video := models.Video{
		ID:           generateID(),
		Title:        title,
		Description:  strings.TrimSpace(params.Description),
		Category:     category,
		Status:       models.StatusUploaded,
		OriginalPath: params.OriginalPath,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	renditions, err := marshalRenditions(video.Renditions)
	if err != nil {
		return models.Video{}, err
	}
	_, err = r.pool.Exec(ctx,
		"INSERT INTO videos ("+videoColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		video.ID, video.Title, video.Description, video.Category, string(video.Status),
		video.OriginalPath, video.ThumbnailPath, video.Error, renditions,
		video.CreatedAt, video.UpdatedAt,
	)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	return video, nil
}

func (r *PostgresRepository) GetVideo(ctx context.Context, id string) (models.Video, bool) {
	row := r.pool.QueryRow(ctx, "SELECT "+videoColumns+" FROM videos WHERE id = $1", id)
	video, err := scanVideo(row)
	if err != nil {
		return models.Video{}, false
	}
	return video, true
}

func (r *PostgresRepository) ListVideos(ctx context.Context, filter ListVideosFilter) []models.Video {
	query := "SELECT " + videoColumns + " FROM videos"
	var (
		clauses []string
		args    []interface{}
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		clauses = append(clauses, fmt.Sprintf("category = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil
		}
		videos = append(videos, video)
	}
	if rows.Err() != nil {
		return nil
	}
	return videos
}

func (r *PostgresRepository) UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Video{}, fmt.Errorf("begin update transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, "SELECT "+videoColumns+" FROM videos WHERE id = $1 FOR UPDATE", id)
	video, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Video{}, ErrNotFound
		}
		return models.Video{}, fmt.Errorf("load video %s: %w", id, err)
	}

	applied, err := applyVideoUpdate(video, update, r.clock())
	if err != nil {
		return models.Video{}, err
	}

	renditions, err := marshalRenditions(applied.Renditions)
	if err != nil {
		return models.Video{}, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE videos SET title = $2, description = $3, category = $4, status = $5,
			original_path = $6, thumbnail_path = $7, error = $8, renditions = $9, updated_at = $10
		 WHERE id = $1`,
		applied.ID, applied.Title, applied.Description, applied.Category, string(applied.Status),
		applied.OriginalPath, applied.ThumbnailPath, applied.Error, renditions, applied.UpdatedAt,
	)
	if err != nil {
		return models.Video{}, fmt.Errorf("update video %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Video{}, fmt.Errorf("commit video update: %w", err)
	}
	return applied, nil
}

func (r *PostgresRepository) DeleteVideo(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM videos WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete video %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalRenditions(renditions []models.Rendition) ([]byte, error) {
	if renditions == nil {
		renditions = []models.Rendition{}
	}
	encoded, err := json.Marshal(renditions)
	if err != nil {
		return nil, fmt.Errorf("encode renditions: %w", err)
	}
	return encoded, nil
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var (
		video      models.Video
		status     string
		renditions []byte
	)
	err := row.Scan(
		&video.ID, &video.Title, &video.Description, &video.Category, &status,
		&video.OriginalPath, &video.ThumbnailPath, &video.Error, &renditions,
		&video.CreatedAt, &video.UpdatedAt,
	)
	if err != nil {
		return models.Video{}, err
	}
	video.Status = models.VideoStatus(status)
	if len(renditions) > 0 {
		if err := json.Unmarshal(renditions, &video.Renditions); err != nil {
			return models.Video{}, fmt.Errorf("decode renditions: %w", err)
		}
	}
	if len(video.Renditions) == 0 {
		video.Renditions = nil
	}
	video.CreatedAt = video.CreatedAt.UTC()
	video.UpdatedAt = video.UpdatedAt.UTC()
	return video, nil
}
