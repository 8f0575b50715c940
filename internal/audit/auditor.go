// Package audit destroys staged audio files and keeps an append-only
// JSON Lines log of every deletion with size and content hash.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscribe/internal/faults"
)

// Deletion methods recorded in the audit log.
const (
	MethodUnlink    = "unlink"
	MethodOverwrite = "overwrite"
)

// Record is one audit entry, serialized as a single JSON line.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	RecordingID string    `json:"recording_id"`
	AudioFile   string    `json:"audio_file"`
	Bytes       int64     `json:"bytes"`
	SHA256      string    `json:"sha256"`
	Method      string    `json:"method"`
	Verified    bool      `json:"verified"`
}

const actionAudioDeletion = "AUDIO_DELETION"

// Auditor deletes audio files from the staging directory and appends a
// record per deletion to the audit log. The log writer is serialized by
// a process-local mutex; one JSON object per line.
type Auditor struct {
	stageDir string
	logPath  string
	secure   bool
	log      zerolog.Logger

	mu sync.Mutex
}

// Options configures the auditor.
type Options struct {
	// StageDir is the only directory the auditor will delete from.
	StageDir string
	// LogPath is the append-only JSONL audit log.
	LogPath string
	// Secure enables single-pass zero-fill before unlink.
	Secure bool
	Log    zerolog.Logger
}

func New(opts Options) (*Auditor, error) {
	stageDir, err := filepath.Abs(opts.StageDir)
	if err != nil {
		return nil, fmt.Errorf("resolve stage dir: %w", err)
	}
	return &Auditor{
		stageDir: stageDir,
		logPath:  opts.LogPath,
		secure:   opts.Secure,
		log:      opts.Log.With().Str("component", "audit").Logger(),
	}, nil
}

// Delete destroys the audio file at path and appends an audit record.
// The path must resolve inside the staging directory. A file that is
// already gone counts as deleted: retries after a crash between the
// unlink and the progress transition must not fail. If the file still
// exists after deletion the record is written with verified=false and an
// error is returned; the caller must treat persistence as incomplete.
func (a *Auditor) Delete(recordingID, path string) (*Record, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, faults.Wrap(faults.KindLocalIO, fmt.Errorf("resolve path: %w", err))
	}
	if !a.inStageDir(abs) {
		return nil, faults.New(faults.KindValidation, "refusing to delete %q: outside staging directory %q", abs, a.stageDir)
	}

	size, sum, err := hashFile(abs)
	if os.IsNotExist(err) {
		rec := &Record{
			Timestamp:   time.Now().UTC(),
			Action:      actionAudioDeletion,
			RecordingID: recordingID,
			AudioFile:   abs,
			Method:      MethodUnlink,
			Verified:    true,
		}
		if err := a.append(rec); err != nil {
			return nil, err
		}
		a.log.Debug().Str("recording_id", recordingID).Msg("audio already deleted")
		return rec, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindLocalIO, fmt.Errorf("hash %s: %w", abs, err))
	}

	method := MethodUnlink
	if a.secure {
		if err := zeroFill(abs, size); err != nil {
			a.log.Warn().Err(err).Str("path", abs).Msg("secure overwrite failed, falling back to unlink")
		} else {
			method = MethodOverwrite
		}
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return nil, faults.Wrap(faults.KindLocalIO, fmt.Errorf("unlink %s: %w", abs, err))
	}

	_, statErr := os.Lstat(abs)
	verified := os.IsNotExist(statErr)

	rec := &Record{
		Timestamp:   time.Now().UTC(),
		Action:      actionAudioDeletion,
		RecordingID: recordingID,
		AudioFile:   abs,
		Bytes:       size,
		SHA256:      sum,
		Method:      method,
		Verified:    verified,
	}
	if err := a.append(rec); err != nil {
		return nil, err
	}

	if !verified {
		return rec, faults.New(faults.KindDeletionFailed, "audio file still present after deletion: %s", abs)
	}

	a.log.Debug().
		Str("recording_id", recordingID).
		Str("method", method).
		Int64("bytes", size).
		Msg("audio deleted")
	return rec, nil
}

func (a *Auditor) inStageDir(abs string) bool {
	rel, err := filepath.Rel(a.stageDir, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// append writes one JSON line to the audit log. O_APPEND keeps writes
// atomic for line-sized records; the mutex serializes within-process
// callers.
func (a *Auditor) append(rec *Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if dir := filepath.Dir(a.logPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return faults.Wrap(faults.KindLocalIO, fmt.Errorf("mkdir audit dir: %w", err))
		}
	}
	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return faults.Wrap(faults.KindLocalIO, fmt.Errorf("open audit log: %w", err))
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return faults.Wrap(faults.KindLocalIO, fmt.Errorf("marshal audit record: %w", err))
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return faults.Wrap(faults.KindLocalIO, fmt.Errorf("append audit log: %w", err))
	}
	return f.Sync()
}

// hashFile returns the size and lowercase hex SHA-256 of the file.
func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// zeroFill overwrites the file contents with a single pass of zeros and
// syncs before the unlink.
func zeroFill(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	const chunk = 64 * 1024
	zeros := make([]byte, chunk)
	var written int64
	for written < size {
		n := int64(chunk)
		if size-written < n {
			n = size - written
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			return err
		}
		written += n
	}
	return f.Sync()
}
