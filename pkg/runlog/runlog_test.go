package runlog

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/svmkit/svm/internal/types"
	"github.com/svmkit/svm/pkg/asm"
	"github.com/svmkit/svm/pkg/svm"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	cfg := DefaultConfig("")
	cfg.InMemory = true
	l, err := Open(cfg)
	if err != nil {
		t.Fatalf("failed to open runlog: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testRecord(id types.ProgramID, status Status) *Record {
	return &Record{
		ProgramID: id,
		Status:    status,
		Output:    "42",
		StartedAt: time.Now().UTC(),
		Duration:  5 * time.Millisecond,
	}
}

func TestAppendAndGet(t *testing.T) {
	l := openTestLog(t)

	id := types.ProgramIDForCode([]byte{svm.OpExit})
	seq, err := l.Append(testRecord(id, StatusOK))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected first sequence to be 1, got %d", seq)
	}

	rec, err := l.Get(seq)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Seq != seq {
		t.Errorf("expected seq %d, got %d", seq, rec.Seq)
	}
	if rec.ProgramID != id {
		t.Errorf("expected program %s, got %s", id, rec.ProgramID)
	}
	if rec.Status != StatusOK {
		t.Errorf("expected status %q, got %q", StatusOK, rec.Status)
	}
	if rec.Output != "42" {
		t.Errorf("expected output %q, got %q", "42", rec.Output)
	}

	if _, err := l.Get(999); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRecent(t *testing.T) {
	l := openTestLog(t)

	idA := types.ProgramIDForCode([]byte{svm.OpExit})
	idB := types.ProgramIDForCode([]byte{svm.OpNop, svm.OpExit})

	for i := 0; i < 5; i++ {
		id := idA
		if i%2 == 1 {
			id = idB
		}
		if _, err := l.Append(testRecord(id, StatusOK)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if got := l.Count(); got != 5 {
		t.Fatalf("expected count 5, got %d", got)
	}

	records, err := l.Recent(3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, rec := range records {
		if want := uint64(5 - i); rec.Seq != want {
			t.Errorf("record %d: expected seq %d, got %d", i, want, rec.Seq)
		}
	}

	// Asking for more than exists returns everything.
	records, err = l.Recent(100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
}

func TestByProgram(t *testing.T) {
	l := openTestLog(t)

	idA := types.ProgramIDForCode([]byte{svm.OpExit})
	idB := types.ProgramIDForCode([]byte{svm.OpNop, svm.OpExit})

	for i := 0; i < 4; i++ {
		if _, err := l.Append(testRecord(idA, StatusOK)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := l.Append(testRecord(idB, StatusError)); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := l.ByProgram(idA, 10)
	if err != nil {
		t.Fatalf("by program: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records for program A, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i-1].Seq <= records[i].Seq {
			t.Error("expected newest-first ordering")
		}
	}

	records, err = l.ByProgram(idB, 10)
	if err != nil {
		t.Fatalf("by program: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record for program B, got %d", len(records))
	}
	if records[0].Status != StatusError {
		t.Errorf("expected status %q, got %q", StatusError, records[0].Status)
	}
}

func TestCaptureMachine(t *testing.T) {
	code := asm.MustAssemble("store r0, 7\nstore r1, \"x\"\nexit")
	m, err := svm.New(code)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var out bytes.Buffer
	m.SetOutput(&out)
	m.SetErrorHandler(func(msg string) { t.Fatalf("runtime error: %s", msg) })
	if err := m.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec := testRecord(types.ProgramIDForCode(code), StatusOK)
	rec.CaptureMachine(m)

	if len(rec.Registers) != svm.RegisterCount {
		t.Fatalf("expected %d registers, got %d", svm.RegisterCount, len(rec.Registers))
	}
	if rec.Registers[0] != "7 [0x0007]" {
		t.Errorf("unexpected r0 rendering: %q", rec.Registers[0])
	}
	if rec.Registers[1] != `"x"` {
		t.Errorf("unexpected r1 rendering: %q", rec.Registers[1])
	}
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	id := types.ProgramIDForCode([]byte{svm.OpExit})

	l, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Append(testRecord(id, StatusOK)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l, err = Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()

	if got := l.Count(); got != 1 {
		t.Fatalf("expected count 1 after reopen, got %d", got)
	}
	seq, err := l.Append(testRecord(id, StatusOK))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if seq != 2 {
		t.Fatalf("expected sequence 2 after reopen, got %d", seq)
	}
}

func TestClosed(t *testing.T) {
	l := openTestLog(t)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	id := types.ProgramIDForCode([]byte{svm.OpExit})
	if _, err := l.Append(testRecord(id, StatusOK)); !errors.Is(err, ErrClosed) {
		t.Errorf("Append on closed log: got %v, want %v", err, ErrClosed)
	}
	if _, err := l.Get(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Get on closed log: got %v, want %v", err, ErrClosed)
	}
	if _, err := l.Recent(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Recent on closed log: got %v, want %v", err, ErrClosed)
	}
}
