package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestPendingIsPutsMinusAcks(t *testing.T) {
	j := openTestJournal(t)

	for id := int64(1); id <= 3; id++ {
		env, _ := json.Marshal(map[string]int64{"id": id})
		if err := j.Put(id, env); err != nil {
			t.Fatalf("put %d: %v", id, err)
		}
	}
	if err := j.Ack(2); err != nil {
		t.Fatalf("ack: %v", err)
	}

	pending, err := j.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending envelopes, got %d", len(pending))
	}

	var ids []int64
	for _, raw := range pending {
		var env struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode pending envelope: %v", err)
		}
		ids = append(ids, env.ID)
	}
	if ids[0] != 1 || ids[1] != 3 {
		t.Errorf("expected pending order [1 3], got %v", ids)
	}
}

func TestPendingEmptyAfterAllAcked(t *testing.T) {
	j := openTestJournal(t)
	if err := j.Put(7, []byte(`{"id":7}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := j.Ack(7); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, err := j.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending envelopes, got %d", len(pending))
	}
}

func TestRotationPreservesPending(t *testing.T) {
	j := openTestJournal(t)
	j.maxFileSize = 1 // force a rotation on every append after the first

	if err := j.Put(1, []byte(`{"id":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := j.Put(2, []byte(`{"id":2}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := j.Ack(1); err != nil {
		t.Fatalf("ack: %v", err)
	}

	rotated, err := filepath.Glob(filepath.Join(j.dir, "journal-*.log"))
	if err != nil {
		t.Fatalf("glob rotated files: %v", err)
	}
	if len(rotated) == 0 {
		t.Fatal("expected at least one rotated journal file")
	}

	pending, err := j.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending envelope across rotated files, got %d", len(pending))
	}
}

func TestPendingSkipsTornTrailingLine(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if err := j.Put(1, []byte(`{"id":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	j.Close()

	// Simulate a crash mid-write.
	f, err := os.OpenFile(filepath.Join(dir, activeName), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open active file: %v", err)
	}
	if _, err := f.WriteString(`{"op":"put","id":2,"enve`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()

	j, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer j.Close()

	pending, err := j.Pending()
	if err != nil {
		t.Fatalf("pending must tolerate a torn trailing line: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 pending envelope, got %d", len(pending))
	}
}

func TestCleanupRemovesOldRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	old := filepath.Join(dir, "journal-20200101T000000.log")
	if err := os.WriteFile(old, []byte(`{"op":"ack","id":1}`+"\n"), 0o644); err != nil {
		t.Fatalf("seed rotated file: %v", err)
	}
	recent := filepath.Join(dir, "journal-"+time.Now().Format(rotateStamp)+".log")
	if err := os.WriteFile(recent, []byte(`{"op":"ack","id":2}`+"\n"), 0o644); err != nil {
		t.Fatalf("seed rotated file: %v", err)
	}

	if err := j.Cleanup(24 * time.Hour); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("file outside the retention window should be removed")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Errorf("file inside the retention window should survive: %v", err)
	}
}
