package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"policy-llm/backend/internal/decision"
)

// GenesisHash is the prev_hash of the first line in a new chain log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// ChainLine is one JSONL line of the chain log. Struct fields keep the
// marshalled field order fixed so line hashes are reproducible.
type ChainLine struct {
	Timestamp        string                    `json:"ts"`
	AuditID          string                    `json:"audit_id"`
	AgentID          string                    `json:"agent_id"`
	Endpoint         string                    `json:"endpoint"`
	Environment      string                    `json:"environment"`
	Decision         decision.Decision         `json:"decision"`
	Action           decision.ModelAction      `json:"action"`
	PolicyEvaluation decision.PolicyEvaluation `json:"policy_evaluation"`
	PrevHash         string                    `json:"prev_hash"`
}

type chainFile interface {
	io.Writer
	Sync() error
	Close() error
}

// ChainLog is an append-only JSONL audit log where each line carries the
// hash of the line before it.
type ChainLog struct {
	path     string
	file     chainFile
	prevHash string
	mu       sync.Mutex
}

// OpenChainLog opens or creates the log at path and recovers the chain tail.
func OpenChainLog(path string) (*ChainLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash := GenesisHash
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		last, err := lastLine(path)
		if err != nil {
			return nil, err
		}
		if len(last) > 0 {
			prevHash = HashLine(last)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &ChainLog{path: path, file: file, prevHash: prevHash}, nil
}

// Write appends entry, links it to the previous line and syncs.
func (l *ChainLog) Write(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(ChainLine{
		Timestamp:        entry.RecordedAt.UTC().Format(time.RFC3339Nano),
		AuditID:          entry.AuditID,
		AgentID:          entry.Request.AgentID,
		Endpoint:         entry.Request.Endpoint,
		Environment:      entry.Request.Environment,
		Decision:         entry.Decision,
		Action:           entry.Action,
		PolicyEvaluation: entry.PolicyEvaluation,
		PrevHash:         l.prevHash,
	})
	if err != nil {
		return fmt.Errorf("audit: marshal line: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write line: %w", err)
	}
	// The line is in the file from here on; the next one must link to it.
	l.prevHash = HashLine(line)
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *ChainLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of line.
func HashLine(line []byte) string {
	sum := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// VerifyChain walks the log at path and reports the first broken link.
// It returns the number of lines checked.
func VerifyChain(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	expected := GenesisHash
	n := 0
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		n++
		var line struct {
			PrevHash string `json:"prev_hash"`
		}
		if err := json.Unmarshal(raw, &line); err != nil {
			return n, fmt.Errorf("audit: line %d: %w", n, err)
		}
		if line.PrevHash != expected {
			return n, fmt.Errorf("audit: line %d: chain broken: prev_hash %s, expected %s", n, line.PrevHash, expected)
		}
		expected = HashLine(raw)
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("audit: scan log: %w", err)
	}
	return n, nil
}

func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var last []byte
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan existing log: %w", err)
	}
	return last, nil
}
