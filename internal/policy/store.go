package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
)

// Store — источник документов политики. Авторинг политик — внешняя забота, здесь только чтение.
type Store interface {
	// ActiveVersion читает указатель на активную версию.
	ActiveVersion(ctx context.Context) (string, error)
	// Document возвращает сырой документ (JSON или YAML) указанной версии.
	Document(ctx context.Context, version string) ([]byte, error)
}

var versionRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)

// ValidVersion — версия используется как имя файла, поэтому без разделителей пути.
func ValidVersion(v string) bool {
	return versionRe.MatchString(v) && v != "active"
}

const pointerFile = "active.json"

var documentExts = []string{".json", ".yaml", ".yml"}

// FileStore читает <dir>/active.json и <dir>/<version>.{json,yaml,yml}.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) ActiveVersion(_ context.Context) (string, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, pointerFile))
	if err != nil {
		return "", fmt.Errorf("policy: read pointer: %w", err)
	}
	return ParsePointer(raw)
}

func (s *FileStore) Document(_ context.Context, version string) ([]byte, error) {
	if !ValidVersion(version) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersionID, version)
	}
	for _, ext := range documentExts {
		raw, err := os.ReadFile(filepath.Join(s.dir, version+ext))
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("policy: read %s%s: %w", version, ext, err)
		}
	}
	return nil, fmt.Errorf("policy: document %s: %w", version, fs.ErrNotExist)
}
