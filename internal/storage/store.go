// Package storage manages the on-disk roles used by the compressor: per-file
// upload workspaces, compressed outputs, archives and scratch space.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"media-compressor-go/internal/apperr"
	"media-compressor-go/internal/config"
)

// Role identifies one storage root.
type Role string

const (
	RoleUploads    Role = "uploads"
	RoleCompressed Role = "compressed"
	RoleArchives   Role = "archives"
	RoleScratch    Role = "scratch"
)

// Roles lists every storage role in sweep order.
var Roles = []Role{RoleUploads, RoleCompressed, RoleArchives, RoleScratch}

const (
	archivePrefix = "compressed_files_"
	archiveExt    = ".zip"
)

var unsafeFilenameRe = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
var multiSpaceRe = regexp.MustCompile(`\s+`)

// Store is the ArtifactStore. Paths it hands out are real paths on fs, so
// with the default OS filesystem they can be passed to external tools.
type Store struct {
	fs   afero.Fs
	dirs map[Role]string
}

// NewStore creates the role directories below cfg.Root on fs.
func NewStore(fs afero.Fs, cfg config.StorageConfig) (*Store, error) {
	s := &Store{
		fs: fs,
		dirs: map[Role]string{
			RoleUploads:    filepath.Join(cfg.Root, cfg.UploadsDir),
			RoleCompressed: filepath.Join(cfg.Root, cfg.CompressedDir),
			RoleArchives:   filepath.Join(cfg.Root, cfg.ArchivesDir),
			RoleScratch:    filepath.Join(cfg.Root, cfg.ScratchDir),
		},
	}
	for _, role := range Roles {
		if err := fs.MkdirAll(s.dirs[role], 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", role, err)
		}
	}
	return s, nil
}

// NewOSStore is NewStore on the host filesystem.
func NewOSStore(cfg config.StorageConfig) (*Store, error) {
	return NewStore(afero.NewOsFs(), cfg)
}

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs { return s.fs }

// Dir returns the directory of a storage role.
func (s *Store) Dir(role Role) string { return s.dirs[role] }

// CompressedPath returns a fresh output path: {stem}_compressed_{uuid}{ext}.
func (s *Store) CompressedPath(originalName, ext string) string {
	stem := strings.TrimSuffix(originalName, filepath.Ext(originalName))
	if stem == "" {
		stem = "file"
	}
	name := fmt.Sprintf("%s_compressed_%s%s", stem, uuid.NewString(), ext)
	return filepath.Join(s.dirs[RoleCompressed], name)
}

// NewArchivePath returns the id and full path of a new archive file.
func (s *Store) NewArchivePath() (id, path string) {
	id = archivePrefix + uuid.NewString() + archiveExt
	return id, filepath.Join(s.dirs[RoleArchives], id)
}

// IsArchiveName reports whether id follows the archive naming convention.
func IsArchiveName(id string) bool {
	return strings.HasPrefix(id, archivePrefix) && strings.HasSuffix(id, archiveExt)
}

// OpenArchive opens an archive by id for reading. Ids that are not plain file
// names are treated as unknown.
func (s *Store) OpenArchive(id string) (afero.File, os.FileInfo, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return nil, nil, &apperr.NotFoundError{Kind: "archive", ID: id}
	}
	path := filepath.Join(s.dirs[RoleArchives], id)
	info, err := s.fs.Stat(path)
	if err != nil || info.IsDir() {
		return nil, nil, &apperr.NotFoundError{Kind: "archive", ID: id}
	}
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open archive %s: %w", id, err)
	}
	return f, info, nil
}

// Create creates or truncates a file.
func (s *Store) Create(path string) (afero.File, error) {
	return s.fs.Create(path)
}

// Open opens a file for reading.
func (s *Store) Open(path string) (afero.File, error) {
	return s.fs.Open(path)
}

// Remove deletes a single file.
func (s *Store) Remove(path string) error {
	return s.fs.Remove(path)
}

// Stat returns file info.
func (s *Store) Stat(path string) (os.FileInfo, error) {
	return s.fs.Stat(path)
}

// Workspace is a per-file upload directory owned by exactly one task.
type Workspace struct {
	store *Store
	ID    string
	Dir   string
}

// NewWorkspace creates an empty uniquely named directory in the uploads role.
func (s *Store) NewWorkspace() (*Workspace, error) {
	id := uuid.NewString()
	dir := filepath.Join(s.dirs[RoleUploads], id)
	if err := s.fs.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{store: s, ID: id, Dir: dir}, nil
}

// Materialize writes r into the workspace under a sanitised form of filename
// and returns the path and number of bytes written.
func (w *Workspace) Materialize(filename string, r io.Reader) (string, int64, error) {
	path := filepath.Join(w.Dir, SanitizeFilename(filename))
	f, err := w.store.fs.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return path, n, fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return path, n, nil
}

// Release removes the workspace directory and everything in it.
func (w *Workspace) Release() error {
	return w.store.fs.RemoveAll(w.Dir)
}

// SanitizeFilename reduces a client supplied name to a safe base name.
func SanitizeFilename(filename string) string {
	s := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	s = unsafeFilenameRe.ReplaceAllString(s, "_")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		s = "upload"
	}
	if len(s) > 200 {
		ext := filepath.Ext(s)
		if len(ext) > 20 {
			ext = ""
		}
		s = s[:200-len(ext)] + ext
	}
	return s
}
