package ledger

import (
	"context"
	"sync"
)

// MemorySink — хранилище в памяти для тестов и локального запуска.
type MemorySink struct {
	mu      sync.Mutex
	streams map[string][][]byte
	failErr error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{streams: make(map[string][][]byte)}
}

// FailWith заставляет все последующие записи возвращать err, nil снимает сбой.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

func (s *MemorySink) WriteBatch(_ context.Context, stream string, facts [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	for _, f := range facts {
		cp := make([]byte, len(f))
		copy(cp, f)
		s.streams[stream] = append(s.streams[stream], cp)
	}
	return nil
}

func (s *MemorySink) Scan(ctx context.Context, stream string, fn func([]byte) error) error {
	for _, f := range s.Entries(stream) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Entries возвращает копию содержимого потока.
func (s *MemorySink) Entries(stream string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.streams[stream]))
	copy(out, s.streams[stream])
	return out
}
