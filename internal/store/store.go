package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"anima/internal/memory/vectors"
	"anima/migrations"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the embedded SQLite database. All writes go through a single
// connection; SQLite serializes them and the busy timeout absorbs contention
// from readers.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the database at databasePath and applies pending
// migrations.
func Open(ctx context.Context, databasePath string) (*Store, error) {
	if databasePath == "" {
		return nil, fmt.Errorf("database path must be provided")
	}
	if dir := filepath.Dir(databasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single writer connection avoids "database is locked" errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Migrate applies migrations in the given direction against an already open
// store, used by the migrate CLI command.
func (s *Store) Migrate(direction string, steps int) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(s.DB, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	var mErr error
	switch direction {
	case "up":
		if steps > 0 {
			mErr = m.Steps(steps)
		} else {
			mErr = m.Up()
		}
	case "down":
		if steps > 0 {
			mErr = m.Steps(-steps)
		} else {
			mErr = m.Down()
		}
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
	if mErr != nil && !errors.Is(mErr, migrate.ErrNoChange) {
		return mErr
	}
	return nil
}

// timestamps are stored as REAL unix seconds
func tsToFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func tsFromFloat(f float64) time.Time {
	return time.Unix(0, int64(f*float64(time.Second))).UTC()
}

// User operations

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	LastLogin    time.Time // zero until the first successful login
}

func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (User, error) {
	u := User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, tsToFloat(u.CreatedAt))
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.scanUser(s.DB.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, created_at, last_login FROM users WHERE username = ?`, username))
}

func (s *Store) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.scanUser(s.DB.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, created_at, last_login FROM users WHERE id = ?`, id))
}

// TouchLastLogin records a successful login time.
func (s *Store) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE users SET last_login = ? WHERE id = ?`, tsToFloat(at), id)
	return err
}

func (s *Store) scanUser(row *sql.Row) (User, error) {
	var u User
	var created float64
	var lastLogin sql.NullFloat64
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &created, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = tsFromFloat(created)
	if lastLogin.Valid {
		u.LastLogin = tsFromFloat(lastLogin.Float64)
	}
	return u, nil
}

// Interaction operations

type Interaction struct {
	Seq           int64
	ID            string
	UserID        string
	Timestamp     time.Time
	Type          string
	UserPrompt    string
	AgentThoughts string
	AgentResponse string
	Embedding     []float32
	Tags          []string
	Category      string
	Importance    int
}

const interactionColumns = `seq, id, user_id, timestamp, interaction_type, user_prompt, agent_thoughts, agent_response, embedding, tags, category, importance_score`

// InsertInteraction appends one interaction and returns its assigned
// sequence number. Rows are never updated afterwards.
func (s *Store) InsertInteraction(ctx context.Context, in Interaction) (int64, error) {
	tags, err := json.Marshal(in.Tags)
	if err != nil {
		return 0, fmt.Errorf("marshal tags: %w", err)
	}
	var blob []byte
	if len(in.Embedding) > 0 {
		blob = vectors.Encode(in.Embedding)
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO interactions (id, user_id, timestamp, interaction_type, user_prompt, agent_thoughts, agent_response, embedding, tags, category, importance_score)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.UserID, tsToFloat(in.Timestamp), in.Type, in.UserPrompt, in.AgentThoughts,
		in.AgentResponse, blob, string(tags), in.Category, in.Importance)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InteractionsAfter returns embedded interactions with seq greater than the
// watermark, oldest first. Rows without an embedding never enter the index
// and are skipped.
func (s *Store) InteractionsAfter(ctx context.Context, seq int64, limit int) ([]Interaction, error) {
	q := `SELECT ` + interactionColumns + ` FROM interactions WHERE seq > ? AND embedding IS NOT NULL ORDER BY seq ASC`
	args := []interface{}{seq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInteractions(rows)
}

// AllInteractions returns every interaction in insertion order, with or
// without an embedding. Used to rebuild the in-memory keyword index at
// startup.
func (s *Store) AllInteractions(ctx context.Context) ([]Interaction, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInteractions(rows)
}

// InteractionsByIDs returns the named interactions. A non-empty userID
// restricts the result to that user's rows; filtering happens here rather
// than after hydration.
func (s *Store) InteractionsByIDs(ctx context.Context, ids []string, userID string) ([]Interaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	q := `SELECT ` + interactionColumns + ` FROM interactions WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	if userID != "" {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInteractions(rows)
}

// InteractionsBySeqs returns the interactions with the given sequence
// numbers. A non-empty userID restricts the result to that user's rows.
func (s *Store) InteractionsBySeqs(ctx context.Context, seqs []int64, userID string) ([]Interaction, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(seqs)+1)
	for _, seq := range seqs {
		args = append(args, seq)
	}
	q := `SELECT ` + interactionColumns + ` FROM interactions WHERE seq IN (?` + strings.Repeat(",?", len(seqs)-1) + `)`
	if userID != "" {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInteractions(rows)
}

// RecentInteractions returns the newest interactions for a user, newest
// first.
func (s *Store) RecentInteractions(ctx context.Context, userID string, limit int) ([]Interaction, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE user_id = ? ORDER BY timestamp DESC, seq DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInteractions(rows)
}

func (s *Store) CountInteractions(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions`).Scan(&n)
	return n, err
}

// CountEmbedded counts interactions carrying an embedding, the upper bound
// for how many vectors the index may hold.
func (s *Store) CountEmbedded(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions WHERE embedding IS NOT NULL`).Scan(&n)
	return n, err
}

// MaxSeq returns the highest assigned sequence number, 0 when empty.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM interactions`).Scan(&n)
	return n.Int64, err
}

// DeleteInteractionsBefore removes interactions older than cutoff whose
// importance does not exceed maxImportance, together with their access log
// rows. The deleted IDs come back so callers can rebuild the vector index.
func (s *Store) DeleteInteractionsBefore(ctx context.Context, cutoff time.Time, maxImportance int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM interactions WHERE timestamp < ? AND importance_score <= ?`,
		tsToFloat(cutoff), maxImportance)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM interactions WHERE timestamp < ? AND importance_score <= ?`,
		tsToFloat(cutoff), maxImportance); err != nil {
		tx.Rollback()
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM interaction_access_log WHERE interaction_id = ?`, id); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func scanInteractions(rows *sql.Rows) ([]Interaction, error) {
	var out []Interaction
	for rows.Next() {
		var in Interaction
		var ts float64
		var blob []byte
		var tags string
		if err := rows.Scan(&in.Seq, &in.ID, &in.UserID, &ts, &in.Type, &in.UserPrompt,
			&in.AgentThoughts, &in.AgentResponse, &blob, &tags, &in.Category, &in.Importance); err != nil {
			return nil, err
		}
		in.Timestamp = tsFromFloat(ts)
		if len(blob) > 0 {
			vec, err := vectors.Decode(blob)
			if err != nil {
				return nil, fmt.Errorf("interaction %s: %w", in.ID, err)
			}
			in.Embedding = vec
		}
		if err := json.Unmarshal([]byte(tags), &in.Tags); err != nil {
			return nil, fmt.Errorf("interaction %s tags: %w", in.ID, err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Access log operations

// LogAccess appends one access row for an interaction surfaced to a caller.
func (s *Store) LogAccess(ctx context.Context, interactionID, accessType string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO interaction_access_log (interaction_id, accessed_at, access_type) VALUES (?,?,?)`,
		interactionID, tsToFloat(at), accessType)
	return err
}

// LogAccessBatch appends one access row per interaction in a single
// transaction.
func (s *Store) LogAccessBatch(ctx context.Context, interactionIDs []string, accessType string, at time.Time) error {
	if len(interactionIDs) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, id := range interactionIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO interaction_access_log (interaction_id, accessed_at, access_type) VALUES (?,?,?)`,
			id, tsToFloat(at), accessType); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// AccessCountsSince returns per-interaction access counts recorded at or
// after the cutoff.
func (s *Store) AccessCountsSince(ctx context.Context, ids []string, since time.Time) (map[string]int64, error) {
	counts := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, tsToFloat(since))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT interaction_id, COUNT(*) FROM interaction_access_log
		 WHERE accessed_at >= ? AND interaction_id IN (?`+strings.Repeat(",?", len(ids)-1)+`)
		 GROUP BY interaction_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// Index metadata operations

func (s *Store) MetaGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM index_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (s *Store) MetaSet(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO index_metadata (key, value) VALUES (?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// MetaGetInt64 reads an integer metadata value, returning fallback when the
// key is absent.
func (s *Store) MetaGetInt64(ctx context.Context, key string, fallback int64) (int64, error) {
	raw, err := s.MetaGet(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metadata %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) MetaSetInt64(ctx context.Context, key string, value int64) error {
	return s.MetaSet(ctx, key, strconv.FormatInt(value, 10))
}

// Statistics queries

func (s *Store) CategoryCounts(ctx context.Context) (map[string]int64, error) {
	return s.groupCounts(ctx, `SELECT category, COUNT(*) FROM interactions GROUP BY category`)
}

func (s *Store) TypeCounts(ctx context.Context) (map[string]int64, error) {
	return s.groupCounts(ctx, `SELECT interaction_type, COUNT(*) FROM interactions GROUP BY interaction_type`)
}

func (s *Store) UserCounts(ctx context.Context) (map[string]int64, error) {
	return s.groupCounts(ctx, `SELECT user_id, COUNT(*) FROM interactions GROUP BY user_id`)
}

func (s *Store) groupCounts(ctx context.Context, query string) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

func (s *Store) AverageImportance(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	err := s.DB.QueryRowContext(ctx, `SELECT AVG(importance_score) FROM interactions`).Scan(&avg)
	return avg.Float64, err
}

// TimestampRange returns the oldest and newest interaction timestamps.
func (s *Store) TimestampRange(ctx context.Context) (oldest, newest time.Time, err error) {
	var lo, hi sql.NullFloat64
	err = s.DB.QueryRowContext(ctx, `SELECT MIN(timestamp), MAX(timestamp) FROM interactions`).Scan(&lo, &hi)
	if err != nil {
		return
	}
	if lo.Valid {
		oldest = tsFromFloat(lo.Float64)
	}
	if hi.Valid {
		newest = tsFromFloat(hi.Float64)
	}
	return
}

// Artifact operations

type Artifact struct {
	ID            string
	UserID        string
	InteractionID string
	Title         string
	Type          string
	Path          string
	CreatedAt     time.Time
}

func (s *Store) InsertArtifact(ctx context.Context, a Artifact) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO artifacts (id, user_id, interaction_id, title, type, path, created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.UserID, a.InteractionID, a.Title, a.Type, a.Path, tsToFloat(a.CreatedAt))
	return err
}

func (s *Store) ArtifactByID(ctx context.Context, id string) (Artifact, error) {
	var a Artifact
	var created float64
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, interaction_id, title, type, path, created_at FROM artifacts WHERE id = ?`, id).
		Scan(&a.ID, &a.UserID, &a.InteractionID, &a.Title, &a.Type, &a.Path, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, err
	}
	a.CreatedAt = tsFromFloat(created)
	return a, nil
}

// ArtifactTypeCounts returns how many artifacts of each type a user has.
func (s *Store) ArtifactTypeCounts(ctx context.Context, userID string) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM artifacts WHERE user_id = ? GROUP BY type`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var artifactType string
		var count int64
		if err := rows.Scan(&artifactType, &count); err != nil {
			return nil, err
		}
		out[artifactType] = count
	}
	return out, rows.Err()
}

func (s *Store) ArtifactsByUser(ctx context.Context, userID string, limit int) ([]Artifact, error) {
	q := `SELECT id, user_id, interaction_id, title, type, path, created_at FROM artifacts WHERE user_id = ? ORDER BY created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		var created float64
		if err := rows.Scan(&a.ID, &a.UserID, &a.InteractionID, &a.Title, &a.Type, &a.Path, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = tsFromFloat(created)
		out = append(out, a)
	}
	return out, rows.Err()
}
