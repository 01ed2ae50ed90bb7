package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/rs/zerolog"
)

const (
	archiveBasePrefix = "vigil-backup-"
	archiveTimeLayout = "2006-01-02-150405"
	manifestFilename  = "backup-manifest.json"

	// Rotation never drops below this many archives, whatever the
	// configured retention says.
	minArchivesKept = 3
)

// ObjectStore is the remote archive sink. The shipped implementation targets
// S3-compatible services, including Cloudflare R2.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	List(ctx context.Context, prefix string) ([]StoredObject, error)
	Delete(ctx context.Context, key string) error
}

// StoredObject describes one remote archive.
type StoredObject struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
}

// Manifest rides inside every archive and lets a restore verify each
// database file before swapping it in.
type Manifest struct {
	CreatedAt time.Time          `json:"created_at"`
	AgentID   string             `json:"agent_id"`
	Databases []DatabaseManifest `json:"databases"`
}

// DatabaseManifest is one database entry in a Manifest.
type DatabaseManifest struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// ArchiveInfo summarizes one remote backup for listing and rotation.
type ArchiveInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// BackupService snapshots every database with VACUUM INTO, verifies the
// copies, bundles them with a sha256 manifest into a tar.gz archive, uploads
// the archive, and rotates old ones. Snapshots are taken online; the live
// databases are never touched.
type BackupService struct {
	databases map[string]*database.DB
	store     ObjectStore
	agentID   string
	prefix    string
	keep      int
	clock     domain.Clock
	observer  domain.Observer
	log       zerolog.Logger
}

// NewBackupService creates a backup service. prefix namespaces the archives
// inside the bucket; keep is the rotation target and is floored at 3.
func NewBackupService(
	databases map[string]*database.DB,
	store ObjectStore,
	agentID, prefix string,
	keep int,
	clock domain.Clock,
	observer domain.Observer,
	log zerolog.Logger,
) *BackupService {
	if keep < minArchivesKept {
		keep = minArchivesKept
	}
	return &BackupService{
		databases: databases,
		store:     store,
		agentID:   agentID,
		prefix:    prefix,
		keep:      keep,
		clock:     clock,
		observer:  observer,
		log:       log.With().Str("module", "backup").Logger(),
	}
}

// Run creates, uploads, and rotates one backup. Failures emit a BackupFailed
// event and return the error; the live databases are unaffected either way.
func (s *BackupService) Run(ctx context.Context) error {
	if err := s.run(ctx); err != nil {
		s.observer.Event(events.LevelError, events.CodeBackupFailed, map[string]any{
			"error": err.Error(),
		})
		return err
	}
	return nil
}

func (s *BackupService) run(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Msg("Starting backup")

	staging, err := os.MkdirTemp("", "vigil-backup-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	manifest := Manifest{
		CreatedAt: s.clock.Now().UTC(),
		AgentID:   s.agentID,
		Databases: make([]DatabaseManifest, 0, len(s.databases)),
	}

	for _, name := range s.databaseNames() {
		entry, err := s.snapshotDatabase(name, filepath.Join(staging, name+".db"))
		if err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", name, err)
		}
		manifest.Databases = append(manifest.Databases, entry)
	}

	manifestPath := filepath.Join(staging, manifestFilename)
	if err := writeManifest(manifestPath, manifest); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	archiveName := archiveBasePrefix + manifest.CreatedAt.Format(archiveTimeLayout) + ".tar.gz"
	archivePath := filepath.Join(staging, archiveName)
	members := make([]string, 0, len(manifest.Databases)+1)
	for _, db := range manifest.Databases {
		members = append(members, db.Filename)
	}
	members = append(members, manifestFilename)

	if err := createArchive(archivePath, staging, members); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	key := s.archiveKey(archiveName)
	if err := s.store.Upload(ctx, key, file, info.Size()); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	if err := s.rotate(ctx); err != nil {
		// The new archive landed. Rotation gets another chance next run.
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}

	s.observer.Event(events.LevelInfo, events.CodeBackupCompleted, map[string]any{
		"archive":     key,
		"size_bytes":  info.Size(),
		"databases":   len(manifest.Databases),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	s.log.Info().
		Str("archive", key).
		Int64("size_bytes", info.Size()).
		Dur("duration_ms", time.Since(start)).
		Msg("Backup completed")
	return nil
}

// snapshotDatabase writes a compacted copy, verifies its integrity, and
// returns its manifest entry. A copy that fails verification is removed.
func (s *BackupService) snapshotDatabase(name, destPath string) (DatabaseManifest, error) {
	db, ok := s.databases[name]
	if !ok {
		return DatabaseManifest{}, fmt.Errorf("unknown database %s", name)
	}

	if err := db.VacuumInto(destPath); err != nil {
		return DatabaseManifest{}, err
	}

	if err := verifySnapshot(destPath); err != nil {
		os.Remove(destPath)
		return DatabaseManifest{}, err
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return DatabaseManifest{}, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	checksum, err := fileChecksum(destPath)
	if err != nil {
		return DatabaseManifest{}, fmt.Errorf("failed to checksum snapshot: %w", err)
	}

	s.log.Debug().
		Str("database", name).
		Float64("size_mb", float64(info.Size())/1024/1024).
		Msg("Database snapshot created")

	return DatabaseManifest{
		Name:      name,
		Filename:  name + ".db",
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}, nil
}

// ListArchives returns the remote archives, newest first.
func (s *BackupService) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	objects, err := s.store.List(ctx, s.archiveKey(archiveBasePrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	archives := make([]ArchiveInfo, 0, len(objects))
	for _, obj := range objects {
		base := filepath.Base(obj.Key)
		if !strings.HasPrefix(base, archiveBasePrefix) || !strings.HasSuffix(base, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(base, archiveBasePrefix), ".tar.gz")
		ts, err := time.Parse(archiveTimeLayout, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping archive with unparseable timestamp")
			continue
		}
		archives = append(archives, ArchiveInfo{
			Key:       obj.Key,
			Timestamp: ts,
			SizeBytes: obj.SizeBytes,
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Timestamp.After(archives[j].Timestamp)
	})
	return archives, nil
}

// rotate deletes archives beyond the keep count, newest kept first.
func (s *BackupService) rotate(ctx context.Context) error {
	archives, err := s.ListArchives(ctx)
	if err != nil {
		return err
	}
	if len(archives) <= s.keep {
		return nil
	}

	deleted := 0
	for _, archive := range archives[s.keep:] {
		if err := s.store.Delete(ctx, archive.Key); err != nil {
			s.log.Warn().Err(err).Str("key", archive.Key).Msg("Failed to delete old archive")
			continue
		}
		deleted++
		s.log.Debug().Str("key", archive.Key).Msg("Deleted old archive")
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(archives)-deleted).
		Msg("Backup rotation completed")
	return nil
}

func (s *BackupService) archiveKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// databaseNames returns the configured names sorted so manifest order is
// stable across runs.
func (s *BackupService) databaseNames() []string {
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// verifySnapshot opens the staged copy and runs an integrity check.
func verifySnapshot(path string) error {
	snap, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer snap.Close()

	var result string
	if err := snap.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeManifest(path string, manifest Manifest) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(manifest)
}

// createArchive bundles the named members of sourceDir into a tar.gz file.
func createArchive(archivePath, sourceDir string, members []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, member := range members {
		if err := addToArchive(tw, filepath.Join(sourceDir, member), member); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", member, err)
		}
	}
	return nil
}

func addToArchive(tw *tar.Writer, path, nameInArchive string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}
