package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/irctrakz/tpmeter/pkg/tp"
	"go.etcd.io/bbolt"
)

var resultsBucket = []byte("results")

// Record is a stored result.
type Record struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Throughput float64   `json:"throughput_bps"`
	tp.Result
}

// History persists results in a bbolt database. Keys are time ordered
// UUIDs so the newest record is last.
type History struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ Recorder = (*History)(nil)

// OpenHistory opens or creates the database at path.
func OpenHistory(path string) (*History, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(resultsBucket); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &History{db: db, now: time.Now}, nil
}

// Record implements Recorder.
func (h *History) Record(r tp.Result) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate record id: %w", err)
	}
	rec := Record{
		ID:         id.String(),
		Time:       h.now().UTC(),
		Throughput: r.Throughput(),
		Result:     r,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return h.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(resultsBucket).Put(id[:], data)
	})
}

// List returns up to limit records, newest first. A non-positive limit
// returns every record.
func (h *History) List(limit int) ([]Record, error) {
	records := make([]Record, 0)
	err := h.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(resultsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record %x: %w", k, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Len returns the number of stored records.
func (h *History) Len() (int, error) {
	var n int
	err := h.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(resultsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}
