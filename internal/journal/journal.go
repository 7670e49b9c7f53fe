// Package journal keeps an append-only record of queue envelopes so that
// recoverable messages survive broker loss. Every enqueue writes a put
// record, every consume commit writes an ack record; replaying the journal
// yields the envelopes that were enqueued but never acknowledged.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	activeName         = "journal.log"
	defaultMaxFileSize = 64 * 1024 * 1024
	rotateStamp        = "20060102T150405"
)

type record struct {
	Op       string          `json:"op"` // "put" or "ack"
	ID       int64           `json:"id"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
}

type Journal struct {
	mu          sync.Mutex
	dir         string
	file        *os.File
	size        int64
	maxFileSize int64
}

func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, activeName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat journal file: %w", err)
	}
	return &Journal{
		dir:         dir,
		file:        f,
		size:        info.Size(),
		maxFileSize: defaultMaxFileSize,
	}, nil
}

// Put records an enqueued envelope.
func (j *Journal) Put(envelopeID int64, envelope []byte) error {
	return j.append(record{Op: "put", ID: envelopeID, Envelope: envelope})
}

// Ack records that an envelope has been consumed and committed.
func (j *Journal) Ack(envelopeID int64) error {
	return j.append(record{Op: "ack", ID: envelopeID})
}

func (j *Journal) append(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.size >= j.maxFileSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	n, err := j.file.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	j.size += int64(n)
	return nil
}

// rotate is called with the lock held.
func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal file: %w", err)
	}
	current := filepath.Join(j.dir, activeName)
	rotated := filepath.Join(j.dir, fmt.Sprintf("journal-%s.log", time.Now().Format(rotateStamp)))
	if err := os.Rename(current, rotated); err != nil {
		return fmt.Errorf("rename journal file: %w", err)
	}
	f, err := os.OpenFile(current, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open new journal file: %w", err)
	}
	j.file = f
	j.size = 0
	return nil
}

// Pending returns the envelopes that were put but never acked, oldest first.
// Rotated files are scanned before the active file.
func (j *Journal) Pending() ([]json.RawMessage, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(j.dir, "journal-*.log"))
	if err != nil {
		return nil, fmt.Errorf("list rotated journal files: %w", err)
	}
	sort.Strings(files)
	files = append(files, filepath.Join(j.dir, activeName))

	puts := make(map[int64]json.RawMessage)
	var order []int64
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("open journal file %s: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec record
			if err := json.Unmarshal(line, &rec); err != nil {
				// A torn trailing write after a crash is expected; skip it.
				continue
			}
			switch rec.Op {
			case "put":
				if _, seen := puts[rec.ID]; !seen {
					order = append(order, rec.ID)
				}
				puts[rec.ID] = rec.Envelope
			case "ack":
				delete(puts, rec.ID)
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scan journal file %s: %w", path, err)
		}
	}

	pending := make([]json.RawMessage, 0, len(puts))
	for _, envID := range order {
		if env, ok := puts[envID]; ok {
			pending = append(pending, env)
		}
	}
	return pending, nil
}

// Cleanup removes rotated journal files older than the retention window.
func (j *Journal) Cleanup(retention time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	files, err := filepath.Glob(filepath.Join(j.dir, "journal-*.log"))
	if err != nil {
		return fmt.Errorf("list rotated journal files: %w", err)
	}
	for _, file := range files {
		name := filepath.Base(file)
		if len(name) < len("journal-")+len(rotateStamp)+len(".log") {
			continue
		}
		stamp := name[len("journal-") : len(name)-len(".log")]
		t, err := time.Parse(rotateStamp, stamp)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			if err := os.Remove(file); err != nil {
				return fmt.Errorf("remove journal file %s: %w", file, err)
			}
		}
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
