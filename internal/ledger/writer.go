package ledger

/*
Файл writer.go реализует единственного писателя на поток (single-writer actor).

- Каждый поток обслуживает своя горутина с собственным буферизированным каналом,
  поэтому факты одного потока никогда не перемешиваются частично.
- Group commit: воркер забирает из очереди все, что успело накопиться (до batchSize),
  и отдает в Sink одной пачкой. Каждый вызывающий получает результат своей пачки.
- Load Shedding: при переполнении буфера факт не ставится в очередь, Append возвращает false.
- Drain Pattern: Stop закрывает каналы и ждет, пока воркеры допишут остатки.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	defaultBufferSize = 1024
	defaultBatchSize  = 100
)

type WriterConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
	BatchSize  int `mapstructure:"batch_size"`
}

type appendRequest struct {
	payload []byte
	done    chan error
}

type Writer struct {
	sink   Sink
	logger *zap.Logger
	cfg    WriterConfig

	mu      sync.RWMutex
	closed  bool
	streams map[string]chan appendRequest
	wg      sync.WaitGroup
}

func NewWriter(sink Sink, cfg WriterConfig, logger *zap.Logger) *Writer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Writer{
		sink:    sink,
		logger:  logger.With(zap.String("mod", "ledger")),
		cfg:     cfg,
		streams: make(map[string]chan appendRequest),
	}
}

// Append реализует Appender. Ошибки записи не пробрасываются, только логируются.
func (w *Writer) Append(ctx context.Context, stream string, fact any) bool {
	if err := w.AppendSync(ctx, stream, fact); err != nil {
		w.logger.Error("ledger append failed", zap.String("stream", stream), zap.Error(err))
		return false
	}
	return true
}

// AppendSync ставит факт в очередь потока и ждет подтверждения от Sink.
func (w *Writer) AppendSync(ctx context.Context, stream string, fact any) error {
	if !ValidStream(stream) {
		return fmt.Errorf("%w: %q", ErrInvalidStream, stream)
	}
	payload, err := json.Marshal(fact)
	if err != nil {
		return fmt.Errorf("ledger: marshal fact: %w", err)
	}

	req := appendRequest{payload: payload, done: make(chan error, 1)}
	if err := w.enqueue(stream, req); err != nil {
		return err
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		// Факт уже в очереди и будет записан, но подтверждения вызывающий не дождался.
		return ctx.Err()
	}
}

func (w *Writer) enqueue(stream string, req appendRequest) error {
	// 1. Быстрый путь: поток уже существует
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrClosed
	}
	ch, ok := w.streams[stream]
	if ok {
		err := trySend(ch, req)
		w.mu.RUnlock()
		return err
	}
	w.mu.RUnlock()

	// 2. Поднимаем воркер для нового потока
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	ch, ok = w.streams[stream]
	if !ok {
		ch = make(chan appendRequest, w.cfg.BufferSize)
		w.streams[stream] = ch
		w.wg.Add(1)
		go w.worker(stream, ch)
	}
	return trySend(ch, req)
}

func trySend(ch chan appendRequest, req appendRequest) error {
	select {
	case ch <- req:
		return nil
	default:
		return ErrBackpressure
	}
}

// Stop запирает вход и ждет, пока воркеры допишут очереди.
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.logger.Info("stopping ledger writer: closing streams and flushing buffers...")
	for _, ch := range w.streams {
		close(ch)
	}
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("ledger writer stopped gracefully")
}

func (w *Writer) worker(stream string, ch chan appendRequest) {
	defer w.wg.Done()

	batch := make([]appendRequest, 0, w.cfg.BatchSize)
	payloads := make([][]byte, 0, w.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, r := range batch {
			payloads = append(payloads, r.payload)
		}
		// Background: контекст вызывающего мог уже закончиться, а факт должен лечь в хранилище
		err := w.sink.WriteBatch(context.Background(), stream, payloads)
		if err != nil {
			w.logger.Error("ledger flush failed",
				zap.String("stream", stream), zap.Int("batch", len(batch)), zap.Error(err))
		}
		for _, r := range batch {
			r.done <- err
		}
		batch = batch[:0]
		payloads = payloads[:0]
	}

	for req := range ch {
		batch = append(batch, req)

		// Забираем все, что накопилось, не дожидаясь таймера
	drain:
		for len(batch) < w.cfg.BatchSize {
			select {
			case next, ok := <-ch:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		flush()
	}
	flush()
}
