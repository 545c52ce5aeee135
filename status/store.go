package status

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

const (
	workerFilePrefix    = "worker-"
	animationFilePrefix = "animation-worker-"
	fileSuffix          = ".json"
)

// ErrNotFound is returned by Store.ReadWorker/ReadAnimation when no status
// file exists for the given issue, or when the on-disk file failed to parse
// (a torn or malformed read is treated identically to "no heartbeat this tick").
var ErrNotFound = fmt.Errorf("status: not found")

// Store is the single-writer-per-worker JSON status protocol. A worker process
// owns exactly one file within statusDir; the supervisor only ever reads.
type Store struct {
	statusDir        string
	notificationFile string
	escalationFile   string
}

// NewStore creates a Store rooted at statusDir, with the given notification
// and escalation journal paths. statusDir is created if it does not exist.
func NewStore(statusDir, notificationFile, escalationFile string) (*Store, error) {
	if err := os.MkdirAll(statusDir, 0o750); err != nil {
		return nil, fmt.Errorf("status: create status dir: %w", err)
	}
	return &Store{
		statusDir:        statusDir,
		notificationFile: notificationFile,
		escalationFile:   escalationFile,
	}, nil
}

func workerPath(dir string, issueID int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", workerFilePrefix, issueID, fileSuffix))
}

func animationPath(dir string, issueID int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", animationFilePrefix, issueID, fileSuffix))
}

// writeAtomic persists v to path by writing to a temp file in the same
// directory and renaming it into place, so no partial/torn read is ever
// observable by a concurrent reader.
func writeAtomic(path string, v interface{}) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-status-*")
	if err != nil {
		return fmt.Errorf("status: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("status: encode snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("status: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("status: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("status: rename into place: %w", err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path is built from trusted status dir + issue id
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("status: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		// A parse failure is treated as "not found" per spec: the supervisor
		// must not distinguish a malformed file from a missing heartbeat.
		return ErrNotFound
	}
	return nil
}

// WriteWorker persists a full WorkerSnapshot for the given issue.
func (s *Store) WriteWorker(issueID int, snap WorkerSnapshot) error {
	return writeAtomic(workerPath(s.statusDir, issueID), snap)
}

// ReadWorker returns the latest WorkerSnapshot for issueID, or ErrNotFound.
func (s *Store) ReadWorker(issueID int) (WorkerSnapshot, error) {
	var snap WorkerSnapshot
	err := readJSON(workerPath(s.statusDir, issueID), &snap)
	return snap, err
}

// WriteAnimation persists a full AnimationSnapshot for the given issue.
func (s *Store) WriteAnimation(issueID int, snap AnimationSnapshot) error {
	return writeAtomic(animationPath(s.statusDir, issueID), snap)
}

// ReadAnimation returns the latest AnimationSnapshot for issueID, or ErrNotFound.
func (s *Store) ReadAnimation(issueID int) (AnimationSnapshot, error) {
	var snap AnimationSnapshot
	err := readJSON(animationPath(s.statusDir, issueID), &snap)
	return snap, err
}

// WorkerFileInfo is a lightweight handle returned by ListWorkerSnapshots,
// pairing an issue id with the file's last modification time (the freshness
// signal used for staleness detection).
type WorkerFileInfo struct {
	IssueID  int
	Animation bool
	ModTime  int64 // unix seconds
}

// ListWorkerSnapshots enumerates every worker-*.json and animation-worker-*.json
// file in the status directory, without needing any other coordination.
func (s *Store) ListWorkerSnapshots() ([]WorkerFileInfo, error) {
	entries, err := os.ReadDir(s.statusDir)
	if err != nil {
		return nil, fmt.Errorf("status: list status dir: %w", err)
	}
	var out []WorkerFileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var animation bool
		var idPart string
		switch {
		case strings.HasPrefix(name, animationFilePrefix) && strings.HasSuffix(name, fileSuffix):
			animation = true
			idPart = strings.TrimSuffix(strings.TrimPrefix(name, animationFilePrefix), fileSuffix)
		case strings.HasPrefix(name, workerFilePrefix) && strings.HasSuffix(name, fileSuffix):
			idPart = strings.TrimSuffix(strings.TrimPrefix(name, workerFilePrefix), fileSuffix)
		default:
			continue
		}
		id, err := strconv.Atoi(idPart)
		if err != nil {
			continue // not a status file we recognize; ignore silently
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, WorkerFileInfo{IssueID: id, Animation: animation, ModTime: info.ModTime().Unix()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssueID < out[j].IssueID })
	return out, nil
}

// AppendNotification appends a Notification as one JSON-Lines record under an
// exclusive advisory file lock, so concurrent appends from multiple worker
// processes never clobber each other.
func (s *Store) AppendNotification(n Notification) error {
	if s.notificationFile == "" {
		return nil
	}
	return appendJSONLine(s.notificationFile, n)
}

// AppendEscalation appends an Escalation as one JSON-Lines record under the
// same exclusive-lock discipline as the notification journal.
func (s *Store) AppendEscalation(e Escalation) error {
	if s.escalationFile == "" {
		return nil
	}
	return appendJSONLine(s.escalationFile, e)
}

func appendJSONLine(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("status: create journal dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("status: acquire journal lock: %w", err)
	}
	defer lock.Unlock() //nolint:errcheck

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) // #nosec G304 -- path is operator-supplied config
	if err != nil {
		return fmt.Errorf("status: open journal: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("status: encode journal record: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("status: write journal record: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("status: write journal newline: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("status: flush journal: %w", err)
	}
	return f.Sync()
}

// ReadNotifications reads every notification record currently in the journal.
// Only the tests call it; neither CLI reads the journal back.
func ReadNotifications(path string) ([]Notification, error) {
	return readJSONLines[Notification](path)
}

// ReadEscalations reads every escalation record currently in the log.
func ReadEscalations(path string) ([]Escalation, error) {
	return readJSONLines[Escalation](path)
}

func readJSONLines[T any](path string) ([]T, error) {
	f, err := os.Open(path) // #nosec G304 -- path is operator-supplied config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("status: open journal: %w", err)
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			continue // tolerate a torn trailing line from a crashed writer
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("status: scan journal: %w", err)
	}
	return out, nil
}
