package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "impetus.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	return l, path
}

func testEntry(event Event) AuditEntry {
	return AuditEntry{
		SessionID: "s-test",
		Event:     event,
		ActionID:  "act_1",
		Mode:      "chaotic",
		Removed:   10,
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 5; i++ {
		if err := l.Record(testEntry(EventDelete)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 || result.Sessions != 1 {
		t.Fatalf("expected 5 lines in 1 session, got %+v", result)
	}
}

func TestRecordRequiresSessionAndEvent(t *testing.T) {
	l, _ := newTestLog(t)
	defer l.Close()

	if err := l.Record(AuditEntry{Event: EventProvoke}); err == nil {
		t.Fatal("expected error for entry without session")
	}
	if err := l.Record(AuditEntry{SessionID: "s"}); err == nil {
		t.Fatal("expected error for entry without event")
	}
}

func TestNilLogIsNoop(t *testing.T) {
	var l *Log
	if err := l.Record(testEntry(EventProvoke)); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordStampsWithClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "a.jsonl")
	l, err := Open(path, WithClock(mock))
	if err != nil {
		t.Fatal(err)
	}
	l.Record(testEntry(EventProvoke))
	l.Close()

	res, err := Replay(path, ReplayFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Entries[0].Timestamp; got != "2026-03-01T09:30:00.000Z" {
		t.Fatalf("unexpected timestamp %s", got)
	}
}

func TestVerifyDetectsBrokenChain(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(lines []string) []string
		wantLine int
	}{
		{
			name: "edited erase count",
			mutate: func(lines []string) []string {
				lines[1] = strings.Replace(lines[1], `"removed":10`, `"removed":1`, 1)
				return lines
			},
			wantLine: 3,
		},
		{
			name: "dropped entry",
			mutate: func(lines []string) []string {
				return []string{lines[0], lines[2]}
			},
			wantLine: 2,
		},
		{
			name: "forged revert",
			mutate: func(lines []string) []string {
				fake := testEntry(EventRevert)
				fake.PrevHash = HashLine([]byte(lines[0]))
				forged, _ := json.Marshal(fake)
				return []string{lines[0], string(forged), lines[1], lines[2]}
			},
			wantLine: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, path := newTestLog(t)
			for i := 0; i < 3; i++ {
				if err := l.Record(testEntry(EventDelete)); err != nil {
					t.Fatalf("record %d: %v", i, err)
				}
			}
			l.Close()

			data, _ := os.ReadFile(path)
			lines := tt.mutate(strings.Split(strings.TrimSpace(string(data)), "\n"))
			if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
				t.Fatal(err)
			}

			result := Verify(path)
			if result.Valid {
				t.Fatal("expected broken chain")
			}
			if result.ErrorLine != tt.wantLine {
				t.Fatalf("expected error at line %d, got %d (%s)", tt.wantLine, result.ErrorLine, result.Error)
			}
		})
	}
}

func TestEmptyLogPassesVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	os.WriteFile(path, []byte{}, 0o644)

	result := Verify(path)
	if !result.Valid || result.Lines != 0 {
		t.Fatalf("expected empty log to be valid, got %+v", result)
	}
}

func TestConcurrentWritesSerializeCorrectly(t *testing.T) {
	l, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(testEntry(EventTrigger))
		}()
	}
	wg.Wait()
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after concurrent writes, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 100 {
		t.Fatalf("expected 100 lines, got %d", result.Lines)
	}
}

func TestChainStartsAtGenesis(t *testing.T) {
	l, path := newTestLog(t)
	l.Record(testEntry(EventSessionStart))
	l.Close()

	data, _ := os.ReadFile(path)
	var entry AuditEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.PrevHash != GenesisHash {
		t.Fatalf("first entry should link to genesis, got %s", entry.PrevHash)
	}

	h := HashLine([]byte(strings.TrimSpace(string(data))))
	if !strings.HasPrefix(h, "sha256:") || len(h) != len(GenesisHash) {
		t.Fatalf("unexpected hash format %s", h)
	}
}

func TestTailHash(t *testing.T) {
	dir := t.TempDir()

	if h, err := tailHash(filepath.Join(dir, "missing.jsonl")); err != nil || h != GenesisHash {
		t.Fatalf("missing file: got %s, %v", h, err)
	}

	path := filepath.Join(dir, "crlf.jsonl")
	if err := os.WriteFile(path, []byte("{\"a\":1}\r\n{\"b\":2}\r\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := tailHash(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := HashLine([]byte(`{"b":2}`)); h != want {
		t.Fatalf("tail hash %s, want %s", h, want)
	}
}

func TestOpenExistingLogContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		l1.Record(testEntry(EventProvoke))
	}
	l1.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		e := testEntry(EventDelete)
		e.SessionID = "s-second"
		l2.Record(e)
	}
	l2.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after reopen, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 || result.Sessions != 2 {
		t.Fatalf("expected 5 lines in 2 sessions, got %+v", result)
	}
}
