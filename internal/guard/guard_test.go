package guard

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-runtime-guard/internal/ledger"
	"go.uber.org/zap"
)

// newTestLedger — настоящий Writer поверх MemorySink.
func newTestLedger(t *testing.T) (*ledger.Writer, *ledger.MemorySink) {
	t.Helper()
	sink := ledger.NewMemorySink()
	w := ledger.NewWriter(sink, ledger.WriterConfig{}, zap.NewNop())
	t.Cleanup(w.Stop)
	return w, sink
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, string, any) bool { return false }

func lastFact(t *testing.T, sink *ledger.MemorySink, stream string) map[string]interface{} {
	t.Helper()
	entries := sink.Entries(stream)
	require.NotEmpty(t, entries)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(entries[len(entries)-1], &m))
	return m
}
