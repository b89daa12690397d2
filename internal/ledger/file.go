package ledger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileSink хранит каждый поток в отдельном JSON-lines файле <dir>/<stream>.jsonl.
// Пачка пишется одним write в файл, открытый с O_APPEND.
type FileSink struct {
	dir  string
	sync bool
}

func NewFileSink(dir string, fsync bool) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("ledger: create dir %s: %w", dir, err)
	}
	return &FileSink{dir: dir, sync: fsync}, nil
}

func (s *FileSink) path(stream string) (string, error) {
	if !ValidStream(stream) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStream, stream)
	}
	return filepath.Join(s.dir, stream+".jsonl"), nil
}

func (s *FileSink) WriteBatch(_ context.Context, stream string, facts [][]byte) error {
	if len(facts) == 0 {
		return nil
	}
	p, err := s.path(stream)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, f := range facts {
		buf.Write(bytes.TrimRight(f, "\n"))
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w", p, err)
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("ledger: append %s: %w", p, err)
	}
	if s.sync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("ledger: sync %s: %w", p, err)
		}
	}
	return nil
}

// Scan читает поток построчно. Отсутствующий файл считается пустым потоком.
func (s *FileSink) Scan(ctx context.Context, stream string, fn func([]byte) error) error {
	p, err := s.path(stream)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("ledger: open %s: %w", p, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}
