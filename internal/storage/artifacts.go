package storage

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/model"
)

type storedArtifact struct {
	content   string
	updatedAt time.Time
}

// ArtifactStore is the session-scoped filename to content map. Writes
// overwrite; nothing is deleted until Reset.
type ArtifactStore struct {
	logger *zap.Logger
	mu     sync.RWMutex
	files  map[string]*storedArtifact
	now    func() time.Time
}

// NewArtifactStore creates an empty store
func NewArtifactStore(logger *zap.Logger) *ArtifactStore {
	return &ArtifactStore{
		logger: logger.Named("artifact-store"),
		files:  make(map[string]*storedArtifact),
		now:    time.Now,
	}
}

// Put stores content under name, replacing any previous content
func (s *ArtifactStore) Put(name, content string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.files[name] = &storedArtifact{content: content, updatedAt: s.now()}
	s.mu.Unlock()

	s.logger.Debug("Artifact stored",
		zap.String("name", name),
		zap.Int("size", len(content)))
	return nil
}

// Get returns the content stored under name
func (s *ArtifactStore) Get(name string) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.files[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	return a.content, nil
}

// List describes every artifact, sorted by name
func (s *ArtifactStore) List() []model.ArtifactInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]model.ArtifactInfo, 0, len(s.files))
	for name, a := range s.files {
		infos = append(infos, model.ArtifactInfo{
			Name:      name,
			Size:      len(a.content),
			LineCount: lineCount(a.content),
			Type:      FileType(name),
			UpdatedAt: a.updatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Names returns the stored names, sorted
func (s *ArtifactStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of artifacts
func (s *ArtifactStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// Reset drops every artifact
func (s *ArtifactStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = make(map[string]*storedArtifact)
}

// snapshot copies the map so archive writers do not hold the lock
func (s *ArtifactStore) snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.files))
	for name, a := range s.files {
		out[name] = a.content
	}
	return out
}

// WriteArchive writes every artifact into a zip archive
func (s *ArtifactStore) WriteArchive(w io.Writer) error {
	files := s.snapshot()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(w)
	for _, name := range names {
		f, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
		if _, err := io.WriteString(f, files[name]); err != nil {
			return fmt.Errorf("failed to write %s to archive: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

// WriteDir writes every artifact below dir, creating subdirectories
func (s *ArtifactStore) WriteDir(dir string) error {
	for name, content := range s.snapshot() {
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	s.logger.Info("Artifacts written to disk", zap.String("dir", dir))
	return nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimLeft(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"), "/")
	if name == "" {
		return "", ErrInvalidArtifactName
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %s", ErrInvalidArtifactName, name)
		}
	}
	return path.Clean(name), nil
}

func lineCount(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}

var fileTypes = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".html": "html",
	".css":  "css",
	".json": "json",
	".yml":  "yaml",
	".yaml": "yaml",
	".md":   "markdown",
	".txt":  "text",
	".sh":   "shell",
	".sql":  "sql",
	".go":   "go",
}

// FileType classifies a filename for display
func FileType(name string) string {
	base := path.Base(name)
	if strings.EqualFold(base, "Dockerfile") || strings.HasSuffix(strings.ToLower(base), ".dockerfile") {
		return "docker"
	}
	if t, ok := fileTypes[strings.ToLower(path.Ext(base))]; ok {
		return t
	}
	return "other"
}
