package restoid_test

import (
	"testing"

	"github.com/hddq/restoid-sub000/internal/restoid"
)

func TestParseStatusLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		wantOK bool
		want   restoid.ProgressUpdate
	}{
		{
			name:   "backup status",
			line:   `{"message_type":"status","percent_done":0.25,"total_files":40,"files_done":10,"total_bytes":4000,"bytes_done":1000,"current_files":["/data/data/com.example/files/a.db","/data/data/com.example/files/b.db"]}`,
			wantOK: true,
			want: restoid.ProgressUpdate{
				MessageType:     restoid.MessageStatus,
				StagePercentage: 0.25,
				FilesProcessed:  10,
				TotalFiles:      40,
				BytesProcessed:  1000,
				TotalBytes:      4000,
				CurrentFile:     "/data/data/com.example/files/a.db",
			},
		},
		{
			name:   "restore status",
			line:   `{"message_type":"status","seconds_elapsed":3,"percent_done":0.5,"total_files":8,"files_restored":4,"total_bytes":800,"bytes_restored":400}`,
			wantOK: true,
			want: restoid.ProgressUpdate{
				MessageType:     restoid.MessageStatus,
				StagePercentage: 0.5,
				FilesProcessed:  4,
				TotalFiles:      8,
				BytesProcessed:  400,
				TotalBytes:      800,
			},
		},
		{
			name:   "percent is clamped",
			line:   `{"message_type":"status","percent_done":1.7}`,
			wantOK: true,
			want:   restoid.ProgressUpdate{MessageType: restoid.MessageStatus, StagePercentage: 1},
		},
		{
			name:   "backup summary",
			line:   `{"message_type":"summary","files_new":3,"total_files_processed":12,"total_bytes_processed":2048,"snapshot_id":"4f2a9c1e8b7d"}`,
			wantOK: true,
			want: restoid.ProgressUpdate{
				MessageType:     restoid.MessageSummary,
				StagePercentage: 1,
				FilesProcessed:  12,
				TotalFiles:      12,
				BytesProcessed:  2048,
				TotalBytes:      2048,
				IsFinished:      true,
				SnapshotID:      "4f2a9c1e8b7d",
			},
		},
		{
			name:   "restore summary",
			line:   `{"message_type":"summary","total_files":5,"files_restored":5,"total_bytes":50,"bytes_restored":50}`,
			wantOK: true,
			want: restoid.ProgressUpdate{
				MessageType:     restoid.MessageSummary,
				StagePercentage: 1,
				FilesProcessed:  5,
				TotalFiles:      5,
				BytesProcessed:  50,
				TotalBytes:      50,
				IsFinished:      true,
			},
		},
		{
			name:   "item error",
			line:   `{"message_type":"error","error":{"message":"permission denied"},"during":"archival","item":"/data/data/com.example/lock"}`,
			wantOK: true,
			want: restoid.ProgressUpdate{
				MessageType:  restoid.MessageError,
				CurrentFile:  "/data/data/com.example/lock",
				ErrorMessage: "permission denied",
			},
		},
		{
			name:   "exit error",
			line:   `{"message_type":"exit_error","code":1,"message":"repository does not exist"}`,
			wantOK: true,
			want:   restoid.ProgressUpdate{MessageType: restoid.MessageExitError, ErrorMessage: "repository does not exist"},
		},
		{name: "plain log line", line: "open repository", wantOK: false},
		{name: "empty line", line: "", wantOK: false},
		{name: "malformed json", line: `{"message_type":"status","percent_done":`, wantOK: false},
		{name: "missing message type", line: `{"percent_done":0.5}`, wantOK: false},
		{name: "status without percent", line: `{"message_type":"status","files_done":3}`, wantOK: false},
		{name: "unknown message type", line: `{"message_type":"verbose_status","action":"new"}`, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := restoid.ParseStatusLine(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("ParseStatusLine() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got != tt.want {
				t.Errorf("ParseStatusLine() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestProgressUpdate_IsError(t *testing.T) {
	if (restoid.ProgressUpdate{MessageType: restoid.MessageStatus}).IsError() {
		t.Error("status update reported as error")
	}
	if !(restoid.ProgressUpdate{MessageType: restoid.MessageExitError}).IsError() {
		t.Error("exit_error update not reported as error")
	}
}
