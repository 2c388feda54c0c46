package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contrarian-pullback-bot/internal/logging"
)

func TestEquityJournalAppendFilterRules(t *testing.T) {
	dir := t.TempDir()
	j := NewEquityJournal(filepath.Join(dir, "equity_history.json"), logging.Noop())
	defer j.Close()

	j.Append(1000, false) // empty -> always kept
	require.Len(t, j.Snapshot(), 1)

	j.Append(1000.5, false) // <1% change, <3600s -> dropped
	assert.Len(t, j.Snapshot(), 1)

	j.Append(1020, false) // 2% change -> kept
	assert.Len(t, j.Snapshot(), 2)

	j.Append(1020.1, true) // forced -> always kept
	assert.Len(t, j.Snapshot(), 3)
}

func TestEquityJournalCapsAtMaxEntries(t *testing.T) {
	dir := t.TempDir()
	j := NewEquityJournal(filepath.Join(dir, "equity_history.json"), logging.Noop())
	defer j.Close()

	for i := 0; i < maxEntries+50; i++ {
		j.Append(float64(1000+i), true)
	}
	assert.Len(t, j.Snapshot(), maxEntries)
}

func TestEquityJournalRecoversFromCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "equity_history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	j := NewEquityJournal(path, logging.Noop())
	defer j.Close()

	assert.Empty(t, j.Snapshot())
	assert.FileExists(t, path+".bak")
}

func TestTradeJournalAppendAndCap(t *testing.T) {
	dir := t.TempDir()
	j := NewTradeJournal(filepath.Join(dir, "trade_history.json"), logging.Noop())
	defer j.Close()

	j.Append(TradeRecord{Symbol: "BTCUSDT", Side: "LONG", PnL: 5, EntryTime: time.Now(), ExitTime: time.Now()})
	assert.Len(t, j.Snapshot(), 1)

	for i := 0; i < maxEntries+50; i++ {
		j.Append(TradeRecord{Symbol: "BTCUSDT", Side: "LONG", PnL: float64(i), EntryTime: time.Now(), ExitTime: time.Now()})
	}
	assert.Len(t, j.Snapshot(), maxEntries)
}
