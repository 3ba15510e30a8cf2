package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the layout of AuditEntry.Timestamp.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Log is an append-only JSONL record of session events with SHA-256 hash
// chaining. Each entry's prev_hash is the hash of the previous entry's JSON
// line. Entries from every session share one chain.
type Log struct {
	path     string
	file     *os.File
	clock    clock.Clock
	prevHash string
	mu       sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the clock used to stamp entries.
func WithClock(c clock.Clock) Option {
	return func(l *Log) { l.clock = c }
}

// Open opens (or creates) an audit log file for appending.
// If the file already exists, it reads the last line to recover the chain tail.
func Open(path string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	prevHash, err := tailHash(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}

	l := &Log{
		path:     path,
		file:     file,
		clock:    clock.New(),
		prevHash: prevHash,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the file the log appends to.
func (l *Log) Path() string {
	return l.path
}

// Record appends entry with hash chaining. It stamps the entry (unless a
// timestamp is already set), links it to the chain tail and syncs to disk.
// A nil Log records nothing.
func (l *Log) Record(entry AuditEntry) error {
	if l == nil {
		return nil
	}
	if entry.SessionID == "" || entry.Event == "" {
		return fmt.Errorf("audit: entry needs a session and an event")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = l.clock.Now().UTC().Format(TimestampFormat)
	}
	entry.PrevHash = l.prevHash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.prevHash = HashLine(line)
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// tailHash returns the hash of the last non-empty line of path, or
// GenesisHash when the file is missing or empty.
func tailHash(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	hash := GenesisHash
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimRight(line, "\r\n"); len(trimmed) > 0 {
			hash = HashLine(trimmed)
		}
		if errors.Is(err, io.EOF) {
			return hash, nil
		}
		if err != nil {
			return "", fmt.Errorf("audit: scan existing log: %w", err)
		}
	}
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
