package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// maxAuditEntryBytes keeps one JSONL line within the pipe-buffer atomicity
// limit.
const maxAuditEntryBytes = 4096

// AuditEntry is one line of the scanner audit log.
type AuditEntry struct {
	ScanID      string   `json:"scan_id"`
	Timestamp   string   `json:"timestamp"`
	Source      string   `json:"source"`
	ContentHash string   `json:"content_hash"`
	Safe        bool     `json:"safe"`
	Confidence  float64  `json:"confidence"`
	Threats     []string `json:"threats,omitempty"`
	LatencyMs   int64    `json:"latency_ms"`
}

// AuditLog appends scan verdicts to a JSONL file. Lines from concurrent
// scans are unordered but each line is written whole.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenAuditLog opens (or creates) the audit file in append mode.
func OpenAuditLog(path string) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{file: f, path: path}, nil
}

// Append writes one entry as a single JSONL line.
func (a *AuditLog) Append(entry AuditEntry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if len(line) > maxAuditEntryBytes {
		entry.Threats = []string{"threat list truncated"}
		if line, err = json.Marshal(entry); err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	_, err = a.file.Write(append(line, '\n'))
	return err
}

// Close closes the underlying file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// Path returns the audit file location.
func (a *AuditLog) Path() string { return a.path }

// hashContent returns the first 16 hex chars of the content's SHA-256. The
// log never stores scanned content itself.
func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}
