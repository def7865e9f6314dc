package jobs

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/bekirdag/mcoda/internal/errs"
)

// CheckpointEntry is one line of the append-only checkpoint log.
// Stage follows the convention "task:<key>:<step>", plus "completed" as
// the final entry.
type CheckpointEntry struct {
	Stage     string         `json:"stage"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

const checkpointsFile = "checkpoints.jsonl"

// appendCheckpoint durably appends one entry. The write is flushed and
// synced before returning so readers never observe a later entry without
// all prior ones.
func appendCheckpoint(jobDir string, entry CheckpointEntry) error {
	path := filepath.Join(jobDir, checkpointsFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to open checkpoint log")
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return errs.Wrap(errs.ClassFatal, err, "unserializable checkpoint entry")
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to append checkpoint")
	}
	if err := f.Sync(); err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to sync checkpoint log")
	}
	return nil
}

// readCheckpoints returns the ordered checkpoint log. A trailing
// partially-written line (crash mid-append) is ignored; anything else
// malformed is a corrupt log and fatal.
func readCheckpoints(jobDir string) ([]CheckpointEntry, error) {
	path := filepath.Join(jobDir, checkpointsFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.ClassStore, err, "failed to open checkpoint log")
	}
	defer f.Close()

	var entries []CheckpointEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var pendingErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e CheckpointEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// Only the final line may be torn.
			pendingErr = err
			continue
		}
		if pendingErr != nil {
			return nil, errs.Wrap(errs.ClassFatal, pendingErr, "corrupt checkpoint log at %s", path)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to read checkpoint log")
	}
	return entries, nil
}
