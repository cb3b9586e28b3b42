package finalize

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vaultgrid/vaultgrid/internal/uid"
)

const (
	recoveryJournalFile = "recovery.jsonl"
	// maxJournalFailures bounds the in-memory view; the file keeps everything.
	maxJournalFailures = 1000
)

// Failure is one stale-publish recovery that could not be published. The
// replica it names needs manual repair.
type Failure struct {
	ID            string    `json:"id"`
	DataID        int64     `json:"data_id"`
	ReplicaNumber int       `json:"replica_number"`
	LogicalPath   string    `json:"logical_path,omitempty"`
	User          string    `json:"user"`
	Error         string    `json:"error"`
	Time          time.Time `json:"time"`
}

// Journal is the operator-visible record of recovery failures. With an empty
// directory it only keeps failures in memory.
type Journal struct {
	mu       sync.Mutex
	dir      string
	failures []Failure
}

// NewJournal opens the journal under dir and loads any recorded failures.
func NewJournal(dir string) (*Journal, error) {
	j := &Journal{dir: dir}
	if dir == "" {
		return j, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recovery journal directory: %w", err)
	}
	if err := j.load(); err != nil {
		return nil, fmt.Errorf("loading recovery journal: %w", err)
	}
	return j, nil
}

func (j *Journal) path() string {
	return filepath.Join(j.dir, recoveryJournalFile)
}

func (j *Journal) load() error {
	f, err := os.Open(j.path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var fl Failure
		if err := json.Unmarshal([]byte(line), &fl); err != nil {
			continue
		}
		j.appendLocked(fl)
	}
	return scanner.Err()
}

func (j *Journal) appendLocked(fl Failure) {
	j.failures = append(j.failures, fl)
	if len(j.failures) > maxJournalFailures {
		j.failures = j.failures[len(j.failures)-maxJournalFailures:]
	}
}

// Record stores fl, assigning an ID and timestamp when missing. The failure
// is kept in memory even if the file append fails.
func (j *Journal) Record(fl Failure) (Failure, error) {
	if fl.ID == "" {
		fl.ID = uid.Token()
	}
	if fl.Time.IsZero() {
		fl.Time = time.Now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.appendLocked(fl)
	if j.dir == "" {
		return fl, nil
	}

	f, err := os.OpenFile(j.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fl, err
	}
	defer f.Close()
	data, err := json.Marshal(fl)
	if err != nil {
		return fl, err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fl, err
	}
	return fl, f.Sync()
}

// List returns the recorded failures, oldest first.
func (j *Journal) List() []Failure {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Failure(nil), j.failures...)
}
