// Package journal persists the equity and trade history to JSON files with
// atomic writes and corruption recovery, flushed off the caller's hot path
// by a single writer goroutine per journal.
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const maxEntries = 1000

// EquityPoint is one sample of total account equity.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Time      string    `json:"time"`
	Value     float64   `json:"value"`
}

// TradeRecord is a closed (or partially closed) position.
type TradeRecord struct {
	Symbol               string    `json:"symbol"`
	Side                 string    `json:"side"`
	EntryPrice           float64   `json:"entry_price"`
	ExitPrice            float64   `json:"exit_price"`
	Size                 float64   `json:"size"`
	PnL                  float64   `json:"pnl"`
	PnLPercent           float64   `json:"pnl_percent"`
	EntryTime            time.Time `json:"entry_time"`
	ExitTime             time.Time `json:"exit_time"`
	IsPartial            bool      `json:"is_partial"`
	ReconciledFromTarget bool      `json:"reconciled_from_target,omitempty"`
}

type equityFile struct {
	LastUpdate time.Time     `json:"last_update"`
	History    []EquityPoint `json:"history"`
}

type tradeFile struct {
	LastUpdate time.Time     `json:"last_update"`
	Trades     []TradeRecord `json:"trades"`
}

// EquityJournal owns the equity_history.json file and a FIFO-capped,
// filtered in-memory series.
type EquityJournal struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger

	history             []EquityPoint
	lastKeptPointTime   time.Time
	writeCh             chan struct{}
}

// NewEquityJournal loads path (recovering from corruption) and starts the
// writer goroutine.
func NewEquityJournal(path string, log zerolog.Logger) *EquityJournal {
	j := &EquityJournal{
		path:    path,
		log:     log.With().Str("component", "journal.equity").Logger(),
		writeCh: make(chan struct{}, 1),
	}
	j.load()
	go j.writerLoop()
	return j
}

func (j *EquityJournal) load() {
	data, err := os.ReadFile(j.path)
	if err != nil {
		return // absent file: start empty, not an error
	}
	var f equityFile
	if err := json.Unmarshal(data, &f); err != nil {
		j.log.Error().Err(err).Msg("corrupt equity journal, backing up and reinitializing")
		_ = os.Rename(j.path, j.path+".bak")
		j.history = nil
		return
	}
	j.history = f.History
	if len(j.history) > 0 {
		j.lastKeptPointTime = j.history[len(j.history)-1].Timestamp
	}
	j.log.Info().Int("points", len(j.history)).Msg("loaded equity history")
}

// Append records value using the spec's filter: always on empty, on a trade
// (force), on ≥1% change from the last kept point, or after ≥3600s.
func (j *EquityJournal) Append(value float64, force bool) {
	if value <= 0 {
		return
	}
	now := time.Now()
	point := EquityPoint{Timestamp: now, Time: now.Format("15:04:05"), Value: value}

	j.mu.Lock()
	keep := force || len(j.history) == 0
	if !keep && len(j.history) > 0 {
		last := j.history[len(j.history)-1]
		changePct := 0.0
		if last.Value > 0 {
			changePct = absFloat((point.Value - last.Value) / last.Value * 100)
		}
		if changePct >= 1.0 || now.Sub(j.lastKeptPointTime) >= time.Hour {
			keep = true
		}
	}
	if !keep {
		j.mu.Unlock()
		return
	}
	j.history = append(j.history, point)
	if len(j.history) > maxEntries {
		j.history = j.history[len(j.history)-maxEntries:]
	}
	j.lastKeptPointTime = now
	j.mu.Unlock()

	j.scheduleFlush()
}

// Snapshot returns a copy of the current series.
func (j *EquityJournal) Snapshot() []EquityPoint {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]EquityPoint, len(j.history))
	copy(out, j.history)
	return out
}

func (j *EquityJournal) scheduleFlush() {
	select {
	case j.writeCh <- struct{}{}:
	default:
	}
}

func (j *EquityJournal) writerLoop() {
	for range j.writeCh {
		j.flush()
	}
}

func (j *EquityJournal) flush() {
	j.mu.Lock()
	snapshot := make([]EquityPoint, len(j.history))
	copy(snapshot, j.history)
	j.mu.Unlock()

	if err := writeAtomic(j.path, equityFile{LastUpdate: time.Now(), History: snapshot}); err != nil {
		j.log.Error().Err(err).Msg("failed to persist equity journal")
	}
}

// Close stops the writer goroutine after a final flush.
func (j *EquityJournal) Close() {
	j.flush()
	close(j.writeCh)
}

// TradeJournal owns trade_history.json.
type TradeJournal struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger

	trades  []TradeRecord
	writeCh chan struct{}
}

// NewTradeJournal loads path (recovering from corruption) and starts the
// writer goroutine.
func NewTradeJournal(path string, log zerolog.Logger) *TradeJournal {
	j := &TradeJournal{
		path:    path,
		log:     log.With().Str("component", "journal.trade").Logger(),
		writeCh: make(chan struct{}, 1),
	}
	j.load()
	go j.writerLoop()
	return j
}

func (j *TradeJournal) load() {
	data, err := os.ReadFile(j.path)
	if err != nil {
		return
	}
	var f tradeFile
	if err := json.Unmarshal(data, &f); err != nil {
		j.log.Error().Err(err).Msg("corrupt trade journal, backing up and reinitializing")
		_ = os.Rename(j.path, j.path+".bak")
		j.trades = nil
		return
	}
	j.trades = f.Trades
	j.log.Info().Int("trades", len(j.trades)).Msg("loaded trade history")
}

// Append records a closed trade, FIFO-capped at 1000.
func (j *TradeJournal) Append(trade TradeRecord) {
	j.mu.Lock()
	j.trades = append(j.trades, trade)
	if len(j.trades) > maxEntries {
		j.trades = j.trades[len(j.trades)-maxEntries:]
	}
	j.mu.Unlock()
	j.scheduleFlush()
}

// Snapshot returns a copy of the recorded trades.
func (j *TradeJournal) Snapshot() []TradeRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]TradeRecord, len(j.trades))
	copy(out, j.trades)
	return out
}

func (j *TradeJournal) scheduleFlush() {
	select {
	case j.writeCh <- struct{}{}:
	default:
	}
}

func (j *TradeJournal) writerLoop() {
	for range j.writeCh {
		j.flush()
	}
}

func (j *TradeJournal) flush() {
	j.mu.Lock()
	snapshot := make([]TradeRecord, len(j.trades))
	copy(snapshot, j.trades)
	j.mu.Unlock()

	if err := writeAtomic(j.path, tradeFile{LastUpdate: time.Now(), Trades: snapshot}); err != nil {
		j.log.Error().Err(err).Msg("failed to persist trade journal")
	}
}

// Close stops the writer goroutine after a final flush.
func (j *TradeJournal) Close() {
	j.flush()
	close(j.writeCh)
}

func writeAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
