package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/soham-khedkar/humourhub/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS memes (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	url TEXT NOT NULL,
	blob_key TEXT NOT NULL DEFAULT '',
	thumbnail_url TEXT NOT NULL DEFAULT '',
	thumb_key TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	public INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS memes_created_at ON memes (created_at DESC);
CREATE TABLE IF NOT EXISTS likes (
	meme_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (meme_id, user_id)
);
CREATE TABLE IF NOT EXISTS blobs (
	key TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	data BLOB
);`

const selectMemes = `
SELECT m.id, m.title, m.url, m.blob_key, m.thumbnail_url, m.thumb_key, m.type, m.user_id, m.tags, m.public, m.created_at,
	(SELECT COUNT(*) FROM likes l WHERE l.meme_id = m.id) AS likes
FROM memes m`

type sqliteStore struct {
	db *sql.DB
}

// NewStore opens dataSourceName and creates the tables if needed.
func NewStore(dataSourceName string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &sqliteStore{db}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeme(row scanner) (*core.Meme, error) {
	var (
		m    core.Meme
		tags string
	)
	err := row.Scan(&m.ID, &m.Title, &m.URL, &m.BlobKey, &m.ThumbnailURL, &m.ThumbKey, &m.Category, &m.UserID, &tags, &m.Public, &m.CreatedAt, &m.Likes)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of meme %s: %w", m.ID, err)
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	return &m, nil
}

func (s *sqliteStore) List(ctx context.Context, filter core.MemeFilter) ([]*core.Meme, error) {
	order := "m.created_at DESC, m.id DESC"
	if filter.Sort == core.SortLikes {
		order = "likes DESC, " + order
	}
	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	query := selectMemes + `
WHERE (?1 = '' OR m.type = ?1)
	AND (?2 = '' OR m.user_id = ?2)
	AND (m.public = 1 OR (?3 != '' AND m.user_id = ?3))
ORDER BY ` + order + `
LIMIT ?4`

	rows, err := s.db.QueryContext(ctx, query, string(filter.Category), filter.OwnerID, filter.Viewer, limit)
	if err != nil {
		logrus.WithError(err).Error("Failed to list memes")
		return nil, err
	}
	defer rows.Close()

	memes := []*core.Meme{}
	for rows.Next() {
		m, err := scanMeme(rows)
		if err != nil {
			return nil, err
		}
		memes = append(memes, m)
	}
	return memes, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*core.Meme, error) {
	log := logrus.WithField("meme_id", id)
	m, err := scanMeme(s.db.QueryRowContext(ctx, selectMemes+` WHERE m.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("Meme with specified ID not found")
			return nil, fmt.Errorf("meme %s: %w", id, core.ErrNotFound)
		}
		log.WithError(err).Error("Failed to retrieve meme")
		return nil, err
	}
	return m, nil
}

func (s *sqliteStore) Create(ctx context.Context, meme *core.Meme) error {
	if meme.ID == "" {
		meme.ID = ulid.Make().String()
	}
	if meme.CreatedAt.IsZero() {
		meme.CreatedAt = time.Now().UTC()
	}
	tags := meme.Tags
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return err
	}

	log := logrus.WithFields(logrus.Fields{"meme_id": meme.ID, "user_id": meme.UserID})
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memes (id, title, url, blob_key, thumbnail_url, thumb_key, type, user_id, tags, public, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meme.ID, meme.Title, meme.URL, meme.BlobKey, meme.ThumbnailURL, meme.ThumbKey,
		string(meme.Category), meme.UserID, string(encoded), meme.Public, meme.CreatedAt)
	if err != nil {
		log.WithError(err).Error("Failed to create meme")
		return err
	}
	log.Info("Meme created successfully")
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM memes WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("meme %s: %w", id, core.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM likes WHERE meme_id = ?", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logrus.WithField("meme_id", id).Info("Meme deleted successfully")
	return nil
}

func (s *sqliteStore) Like(ctx context.Context, memeID, userID string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM memes WHERE id = ?", memeID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("meme %s: %w", memeID, core.ErrNotFound)
	}
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO likes (meme_id, user_id, created_at) VALUES (?, ?, ?)",
		memeID, userID, time.Now().UTC())
	return err
}

func (s *sqliteStore) Unlike(ctx context.Context, memeID, userID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM likes WHERE meme_id = ? AND user_id = ?", memeID, userID)
	return err
}

func (s *sqliteStore) LikedBy(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT meme_id FROM likes WHERE user_id = ? ORDER BY meme_id DESC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) PutBlob(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (key, content_type, data) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET content_type = excluded.content_type, data = excluded.data`,
		key, contentType, data)
	if err != nil {
		logrus.WithError(err).WithField("blob_key", key).Error("Failed to store blob")
	}
	return err
}

func (s *sqliteStore) GetBlob(ctx context.Context, key string) ([]byte, string, error) {
	var (
		data        []byte
		contentType string
	)
	err := s.db.QueryRowContext(ctx, "SELECT data, content_type FROM blobs WHERE key = ?", key).Scan(&data, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

func (s *sqliteStore) DeleteBlob(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE key = ?", key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	return nil
}
