// inlinecomplete/journal.go
// Persistent journal of completion outcomes (bbolt). Stores metadata only.
package inlinecomplete

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	stdslog "log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

var journalBucket = []byte("CompletionJournal")

const (
	journalQueueSize  = 256
	journalPruneEvery = 256 // Writes between automatic prunes.
)

// OutcomeRecorder receives one record per resolved completion request.
type OutcomeRecorder interface {
	Record(rec JournalRecord)
}

// journalOp is either a record to append or a flush barrier.
type journalOp struct {
	rec *JournalRecord
	ack chan struct{}
}

// Journal appends JournalRecords to a bbolt database from a single writer
// goroutine. Record never blocks; records are dropped when the queue is full.
type Journal struct {
	db         *bbolt.DB
	ops        chan journalOp
	done       chan struct{}
	mu         sync.RWMutex // Guards closed against concurrent Record/Close.
	closed     bool
	maxRecords int
	dropped    atomic.Uint64
	logger     *stdslog.Logger
}

// DefaultJournalPath returns the journal location under the user cache dir.
func DefaultJournalPath() (string, error) {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("%w: user cache dir: %w", ErrJournal, err)
	}
	return filepath.Join(userCacheDir, configDirName, "journal", fmt.Sprintf("v%d", journalSchemaVersion), "journal.db"), nil
}

// OpenJournal opens (or creates) the journal at path. maxRecords bounds the
// number of retained records; older ones are pruned periodically.
func OpenJournal(path string, maxRecords int, logger *stdslog.Logger) (*Journal, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	journalLogger := logger.With("component", "Journal", "path", path)

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("%w: creating journal directory: %w", ErrJournal, err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrJournal, path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(journalBucket); err != nil {
			return fmt.Errorf("failed to create journal bucket %s: %w", string(journalBucket), err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrJournal, err)
	}
	if maxRecords <= 0 {
		maxRecords = defaultJournalMaxRecords
	}

	j := &Journal{
		db:         db,
		ops:        make(chan journalOp, journalQueueSize),
		done:       make(chan struct{}),
		maxRecords: maxRecords,
		logger:     journalLogger,
	}
	go j.run()
	journalLogger.Info("Opened completion journal", "max_records", maxRecords)
	return j, nil
}

// Record queues rec for writing. It never blocks.
func (j *Journal) Record(rec JournalRecord) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ops <- journalOp{rec: &rec}:
	default:
		j.dropped.Add(1)
	}
}

// Flush blocks until every record queued before the call has been written.
func (j *Journal) Flush() {
	ack := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return
	}
	j.ops <- journalOp{ack: ack}
	j.mu.RUnlock()
	<-ack
}

// Dropped returns how many records were discarded because the queue was full.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) run() {
	defer close(j.done)
	writes := 0
	for op := range j.ops {
		if op.ack != nil {
			close(op.ack)
			continue
		}
		if err := j.append(*op.rec); err != nil {
			j.logger.Warn("Failed to write journal record", "error", err)
			continue
		}
		writes++
		if writes%journalPruneEvery == 0 {
			if _, err := j.Prune(j.maxRecords); err != nil {
				j.logger.Warn("Failed to prune journal", "error", err)
			}
		}
	}
}

func (j *Journal) append(rec JournalRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("%w: encoding record: %w", ErrJournal, err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(journalBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("%w: next sequence: %w", ErrJournal, err)
		}
		return b.Put(sequenceKey(seq), buf.Bytes())
	})
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Recent returns up to n of the newest records, newest first.
func (j *Journal) Recent(n int) ([]JournalRecord, error) {
	var records []JournalRecord
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(journalBucket).Cursor()
		for k, v := c.Last(); k != nil && len(records) < n; k, v = c.Prev() {
			rec, err := decodeJournalRecord(v)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// Summarize aggregates every stored record.
func (j *Journal) Summarize() (JournalSummary, error) {
	summary := JournalSummary{ByOutcome: make(map[Outcome]int)}
	var latencyTotal int64
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(journalBucket).ForEach(func(_, v []byte) error {
			rec, err := decodeJournalRecord(v)
			if err != nil {
				return err
			}
			if summary.Total == 0 || rec.Time.Before(summary.First) {
				summary.First = rec.Time
			}
			if rec.Time.After(summary.Last) {
				summary.Last = rec.Time
			}
			summary.Total++
			summary.ByOutcome[rec.Outcome]++
			latencyTotal += rec.LatencyMS
			return nil
		})
	})
	if err != nil {
		return JournalSummary{}, err
	}
	if summary.Total > 0 {
		summary.MeanLatencyMS = float64(latencyTotal) / float64(summary.Total)
	}
	return summary, nil
}

// Prune deletes the oldest records until at most maxRecords remain and
// returns how many were removed.
func (j *Journal) Prune(maxRecords int) (int, error) {
	removed := 0
	err := j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(journalBucket)
		excess := b.Stats().KeyN - max(0, maxRecords)
		if excess <= 0 {
			return nil
		}
		var victims [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(victims) < excess; k, _ = c.Next() {
			victims = append(victims, append([]byte(nil), k...))
		}
		for _, k := range victims {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("%w: deleting record: %w", ErrJournal, err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close drains queued records and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ops)
	j.mu.Unlock()

	<-j.done
	if dropped := j.dropped.Load(); dropped > 0 {
		j.logger.Warn("Journal dropped records while busy", "dropped", dropped)
	}
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("%w: closing database: %w", ErrJournal, err)
	}
	return nil
}

func decodeJournalRecord(v []byte) (JournalRecord, error) {
	var rec JournalRecord
	if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
		return JournalRecord{}, fmt.Errorf("%w: decoding record: %w", ErrJournal, err)
	}
	return rec, nil
}
