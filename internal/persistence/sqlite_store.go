package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/subcache/internal/cache"
	"github.com/MimeLyc/subcache/internal/channel"
	"github.com/MimeLyc/subcache/internal/digest"
	"github.com/MimeLyc/subcache/internal/extract"
	"github.com/MimeLyc/subcache/internal/jobs"
	"github.com/MimeLyc/subcache/internal/subtitle"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore is the durable backend for subtitles, listings, job history
// and digests.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ cache.Backend           = (*SQLiteStore)(nil)
	_ jobs.Store              = (*SQLiteStore)(nil)
	_ channel.ListingRecorder = (*SQLiteStore)(nil)
	_ digest.Store            = (*SQLiteStore)(nil)
)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) GetSubtitle(ctx context.Context, videoID, lang string) (*cache.SubtitleEntry, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT cues_json, detected_language, source_format, dropped_cues, updated_at
		 FROM subtitles
		 WHERE video_id = ? AND lang = ?`,
		videoID,
		lang,
	)
	entry := cache.SubtitleEntry{VideoID: videoID, Lang: lang}
	var cuesJSON, format string
	if err := row.Scan(&cuesJSON, &entry.DetectedLanguage, &format, &entry.DroppedCues, &entry.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if err := json.Unmarshal([]byte(cuesJSON), &entry.Cues); err != nil {
		return nil, false, fmt.Errorf("decode cues: %w", err)
	}
	entry.SourceFormat = subtitle.Format(format)
	return &entry, true, nil
}

func (s *SQLiteStore) HasSubtitle(ctx context.Context, videoID, lang string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subtitles WHERE video_id = ? AND lang = ?`, videoID, lang).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PutSubtitle upserts the video and replaces the cue sequence in one
// transaction. Rows whose content did not change are left as they are,
// updated_at included.
func (s *SQLiteStore) PutSubtitle(ctx context.Context, video cache.VideoRecord, entry cache.SubtitleEntry) (err error) {
	cuesJSON, err := json.Marshal(entry.Cues)
	if err != nil {
		return fmt.Errorf("encode cues: %w", err)
	}
	hash := contentHash(cuesJSON, entry)
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = upsertVideo(ctx, tx, video, now); err != nil {
		return err
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO subtitles (
			video_id, lang, cues_json, cue_count, detected_language, source_format, dropped_cues, content_hash, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_id, lang) DO UPDATE SET
			cues_json=excluded.cues_json,
			cue_count=excluded.cue_count,
			detected_language=excluded.detected_language,
			source_format=excluded.source_format,
			dropped_cues=excluded.dropped_cues,
			content_hash=excluded.content_hash,
			updated_at=excluded.updated_at
		WHERE subtitles.content_hash <> excluded.content_hash`,
		entry.VideoID,
		entry.Lang,
		string(cuesJSON),
		len(entry.Cues),
		entry.DetectedLanguage,
		string(entry.SourceFormat),
		entry.DroppedCues,
		hash,
		now,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func contentHash(cuesJSON []byte, entry cache.SubtitleEntry) string {
	h := sha256.New()
	h.Write(cuesJSON)
	fmt.Fprintf(h, "|%s|%s|%d", entry.DetectedLanguage, entry.SourceFormat, entry.DroppedCues)
	return hex.EncodeToString(h.Sum(nil))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsertVideo never blanks a known field and only bumps updated_at when a
// field actually changes.
func upsertVideo(ctx context.Context, db execer, video cache.VideoRecord, now time.Time) error {
	_, err := db.ExecContext(
		ctx,
		`INSERT INTO videos (video_id, title, uploader, duration_seconds, channel_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(video_id) DO UPDATE SET
			title=COALESCE(NULLIF(excluded.title, ''), videos.title),
			uploader=COALESCE(NULLIF(excluded.uploader, ''), videos.uploader),
			duration_seconds=CASE WHEN excluded.duration_seconds > 0 THEN excluded.duration_seconds ELSE videos.duration_seconds END,
			channel_ref=COALESCE(NULLIF(excluded.channel_ref, ''), videos.channel_ref),
			updated_at=excluded.updated_at
		 WHERE (excluded.title <> '' AND excluded.title <> videos.title)
			OR (excluded.uploader <> '' AND excluded.uploader <> videos.uploader)
			OR (excluded.duration_seconds > 0 AND excluded.duration_seconds <> videos.duration_seconds)
			OR (excluded.channel_ref <> '' AND excluded.channel_ref <> videos.channel_ref)`,
		video.VideoID,
		video.Title,
		video.Uploader,
		video.DurationSeconds,
		video.ChannelRef,
		now,
		now,
	)
	return err
}

func (s *SQLiteStore) GetVideo(ctx context.Context, videoID string) (cache.VideoRecord, bool, error) {
	var v cache.VideoRecord
	err := s.db.QueryRowContext(
		ctx,
		`SELECT video_id, title, uploader, duration_seconds, channel_ref FROM videos WHERE video_id = ?`,
		videoID,
	).Scan(&v.VideoID, &v.Title, &v.Uploader, &v.DurationSeconds, &v.ChannelRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cache.VideoRecord{}, false, nil
		}
		return cache.VideoRecord{}, false, err
	}
	return v, true, nil
}

// RecordListing stores the channel header and its videos. Subtitles are not
// touched.
func (s *SQLiteStore) RecordListing(ctx context.Context, listing *extract.Listing) (err error) {
	if listing == nil {
		return fmt.Errorf("listing is nil")
	}
	key := channel.NormalizeChannelURL(listing.ChannelURL)
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO channels (channel_key, channel_url, channel_id, channel_name, video_count, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_key) DO UPDATE SET
			channel_url=excluded.channel_url,
			channel_id=COALESCE(NULLIF(excluded.channel_id, ''), channels.channel_id),
			channel_name=COALESCE(NULLIF(excluded.channel_name, ''), channels.channel_name),
			video_count=excluded.video_count,
			resolved_at=excluded.resolved_at`,
		key,
		listing.ChannelURL,
		listing.ChannelID,
		listing.ChannelName,
		len(listing.Videos),
		now,
	)
	if err != nil {
		return err
	}
	for _, v := range listing.Videos {
		record := cache.VideoRecord{
			VideoID:         v.ID,
			Title:           v.Title,
			DurationSeconds: v.DurationSeconds,
			ChannelRef:      key,
		}
		if err = upsertVideo(ctx, tx, record, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetChannel(ctx context.Context, channelURL string) (ChannelRecord, bool, error) {
	var c ChannelRecord
	err := s.db.QueryRowContext(
		ctx,
		`SELECT channel_key, channel_url, channel_id, channel_name, video_count, resolved_at
		 FROM channels WHERE channel_key = ?`,
		channel.NormalizeChannelURL(channelURL),
	).Scan(&c.Key, &c.URL, &c.ChannelID, &c.Name, &c.VideoCount, &c.ResolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChannelRecord{}, false, nil
		}
		return ChannelRecord{}, false, err
	}
	return c, true, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(
		ctx,
		`SELECT
			(SELECT COUNT(*) FROM channels),
			(SELECT COUNT(*) FROM videos),
			(SELECT COUNT(*) FROM subtitles)`,
	).Scan(&st.Channels, &st.Videos, &st.Subtitles)
	return st, err
}

func (s *SQLiteStore) SaveJob(ctx context.Context, job *jobs.BatchJob) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	snapshot, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	var finishedAt any
	if job.FinishedAt != nil {
		finishedAt = job.FinishedAt.UTC()
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO job_history (id, channel_key, channel_url, lang, status, error, snapshot_json, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			error=excluded.error,
			snapshot_json=excluded.snapshot_json,
			finished_at=excluded.finished_at`,
		job.ID,
		channel.NormalizeChannelURL(job.ChannelURL),
		job.ChannelURL,
		job.Lang,
		string(job.Status),
		job.Error,
		string(snapshot),
		job.CreatedAt.UTC(),
		finishedAt,
	)
	return err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, channelKey string, limit int) ([]*jobs.BatchJob, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT snapshot_json FROM job_history
		 WHERE channel_key = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		channelKey,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.BatchJob, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var job jobs.BatchJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return nil, fmt.Errorf("decode job snapshot: %w", err)
		}
		ret = append(ret, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) SaveDigest(ctx context.Context, d *digest.Digest) error {
	if d == nil {
		return fmt.Errorf("digest is nil")
	}
	ids, err := json.Marshal(d.VideoIDs)
	if err != nil {
		return err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO digests (job_id, channel_url, channel_name, lang, video_ids_json, summary, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.JobID,
		d.ChannelURL,
		d.ChannelName,
		d.Lang,
		string(ids),
		d.Summary,
		d.Model,
		d.CreatedAt,
	)
	if err != nil {
		return err
	}
	d.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListDigests(ctx context.Context, limit int) ([]digest.Digest, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, job_id, channel_url, channel_name, lang, video_ids_json, summary, model, created_at
		 FROM digests
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]digest.Digest, 0)
	for rows.Next() {
		var d digest.Digest
		var ids string
		if err := rows.Scan(&d.ID, &d.JobID, &d.ChannelURL, &d.ChannelName, &d.Lang, &ids, &d.Summary, &d.Model, &d.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ids), &d.VideoIDs); err != nil {
			return nil, err
		}
		ret = append(ret, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}
