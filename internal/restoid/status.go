package restoid

import (
	"encoding/json"
	"strings"
)

// Message types emitted by restic with --json. Field names follow the pinned
// tool version; see restic.PinnedVersion.
const (
	MessageStatus    = "status"
	MessageSummary   = "summary"
	MessageError     = "error"
	MessageExitError = "exit_error"
)

// ProgressUpdate is one structured status line from the backup tool.
type ProgressUpdate struct {
	MessageType string
	// StagePercentage is the tool's own fractional progress in [0,1].
	StagePercentage float64
	FilesProcessed  int64
	TotalFiles      int64
	BytesProcessed  int64
	TotalBytes      int64
	CurrentFile     string
	IsFinished      bool
	// SnapshotID is only set by a backup summary.
	SnapshotID string
	// ErrorMessage is set for item-level error lines, which are not fatal.
	ErrorMessage string
}

// IsError reports whether the update carries an error message rather than
// progress.
func (u ProgressUpdate) IsError() bool {
	return u.MessageType == MessageError || u.MessageType == MessageExitError
}

// statusLine is the union of the fields restic emits across backup and restore
// status, summary and error messages. Pointers mark fields whose presence is
// validated.
type statusLine struct {
	MessageType         *string  `json:"message_type"`
	PercentDone         *float64 `json:"percent_done"`
	TotalFiles          int64    `json:"total_files"`
	FilesDone           int64    `json:"files_done"`
	FilesRestored       int64    `json:"files_restored"`
	TotalBytes          int64    `json:"total_bytes"`
	BytesDone           int64    `json:"bytes_done"`
	BytesRestored       int64    `json:"bytes_restored"`
	CurrentFiles        []string `json:"current_files"`
	SnapshotID          string   `json:"snapshot_id"`
	TotalFilesProcessed int64    `json:"total_files_processed"`
	TotalBytesProcessed int64    `json:"total_bytes_processed"`
	Item                string   `json:"item"`
	Message             string   `json:"message"`
	Error               *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ParseStatusLine decodes one line of the tool's output. The output stream mixes
// free-form log lines with JSON status lines; anything that is not a recognized
// JSON message yields ok=false and must simply be skipped.
func ParseStatusLine(line string) (update ProgressUpdate, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return ProgressUpdate{}, false
	}

	var s statusLine
	if err := json.Unmarshal([]byte(line), &s); err != nil {
		return ProgressUpdate{}, false
	}
	if s.MessageType == nil {
		return ProgressUpdate{}, false
	}

	switch *s.MessageType {
	case MessageStatus:
		if s.PercentDone == nil {
			return ProgressUpdate{}, false
		}
		u := ProgressUpdate{
			MessageType:     MessageStatus,
			StagePercentage: clampFraction(*s.PercentDone),
			FilesProcessed:  max(s.FilesDone, s.FilesRestored),
			TotalFiles:      s.TotalFiles,
			BytesProcessed:  max(s.BytesDone, s.BytesRestored),
			TotalBytes:      s.TotalBytes,
		}
		if len(s.CurrentFiles) > 0 {
			u.CurrentFile = s.CurrentFiles[0]
		}
		return u, true

	case MessageSummary:
		return ProgressUpdate{
			MessageType:     MessageSummary,
			StagePercentage: 1,
			FilesProcessed:  max(s.TotalFilesProcessed, s.FilesRestored, s.FilesDone),
			TotalFiles:      max(s.TotalFiles, s.TotalFilesProcessed),
			BytesProcessed:  max(s.TotalBytesProcessed, s.BytesRestored, s.BytesDone),
			TotalBytes:      max(s.TotalBytes, s.TotalBytesProcessed),
			IsFinished:      true,
			SnapshotID:      s.SnapshotID,
		}, true

	case MessageError:
		u := ProgressUpdate{MessageType: MessageError, CurrentFile: s.Item}
		if s.Error != nil {
			u.ErrorMessage = s.Error.Message
		}
		return u, true

	case MessageExitError:
		return ProgressUpdate{MessageType: MessageExitError, ErrorMessage: s.Message}, true
	}

	return ProgressUpdate{}, false
}

func clampFraction(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
