package image

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/kestrel/vm"
)

// ErrImageNotFound indicates the requested image doesn't exist.
var ErrImageNotFound = errors.New("image not found")

// ErrSnapshotNotFound indicates the requested snapshot doesn't exist.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Store persists program images and global snapshots in SQLite.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
	log  commonlog.Logger
}

// OpenStore opens (creating if needed) a store at the given path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("image: open store: %w", err)
	}
	s := &Store{
		db:   db,
		path: path,
		log:  commonlog.GetLogger("kestrel.image"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS images (
			id         TEXT PRIMARY KEY,
			name       TEXT UNIQUE NOT NULL,
			created_at TEXT NOT NULL,
			data       BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS snapshots (
			id         TEXT PRIMARY KEY,
			image_id   TEXT NOT NULL REFERENCES images(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,
			globals    BLOB NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("image: migrate: %w", err)
	}
	return nil
}

// ImageInfo describes one stored image.
type ImageInfo struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// SaveImage stores a program under a name, replacing any previous image
// with that name. Returns the new image id.
func (s *Store) SaveImage(name string, p *vm.Program) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := MarshalProgram(p)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.Exec(`
		INSERT INTO images (id, name, created_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET id=excluded.id,
			created_at=excluded.created_at, data=excluded.data`,
		id, name, time.Now().UTC().Format(time.RFC3339), data)
	if err != nil {
		return "", fmt.Errorf("image: save %q: %w", name, err)
	}
	s.log.Infof("saved image %q (%d bytes)", name, len(data))
	return id, nil
}

// LoadImage loads a program by name.
func (s *Store) LoadImage(name string) (*vm.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.QueryRow(`SELECT data FROM images WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("image: load %q: %w", name, err)
	}
	return UnmarshalProgram(data)
}

// DeleteImage removes an image and its snapshots.
func (s *Store) DeleteImage(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM snapshots WHERE image_id IN (SELECT id FROM images WHERE name = ?)`, name)
	if err != nil {
		return fmt.Errorf("image: delete %q: %w", name, err)
	}
	res, err := s.db.Exec(`DELETE FROM images WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("image: delete %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrImageNotFound
	}
	return nil
}

// ListImages enumerates stored images.
func (s *Store) ListImages() ([]ImageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, name, created_at FROM images ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("image: list: %w", err)
	}
	defer rows.Close()

	var infos []ImageInfo
	for rows.Next() {
		var info ImageInfo
		var created string
		if err := rows.Scan(&info.ID, &info.Name, &created); err != nil {
			return nil, err
		}
		info.CreatedAt, _ = time.Parse(time.RFC3339, created)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// SaveSnapshot stores a globals snapshot for an image id.
func (s *Store) SaveSnapshot(imageID string, globals []uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := MarshalGlobals(globals)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.Exec(`INSERT INTO snapshots (id, image_id, created_at, globals) VALUES (?, ?, ?, ?)`,
		id, imageID, time.Now().UTC().Format(time.RFC3339), data)
	if err != nil {
		return "", fmt.Errorf("image: save snapshot: %w", err)
	}
	return id, nil
}

// LoadSnapshot loads a globals snapshot by id.
func (s *Store) LoadSnapshot(id string) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.QueryRow(`SELECT globals FROM snapshots WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("image: load snapshot %s: %w", id, err)
	}
	return UnmarshalGlobals(data)
}
