package repository

import (
	"testing"

	"github.com/hddq/restoid-sub000/internal/config"
)

func TestLocation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.RepositoryConfig
		want    string
		wantErr bool
	}{
		{
			name: "local",
			cfg:  config.RepositoryConfig{Type: "local", Name: "sd", Path: "/sdcard/restic"},
			want: "/sdcard/restic",
		},
		{
			name: "s3 on aws",
			cfg:  config.RepositoryConfig{Type: "s3", Name: "aws", S3Bucket: "backups", S3Prefix: "/phone/"},
			want: "s3:s3.amazonaws.com/backups/phone",
		},
		{
			name: "s3 custom endpoint",
			cfg:  config.RepositoryConfig{Type: "s3", Name: "nas", S3Bucket: "backups", S3Endpoint: "http://nas:9000/"},
			want: "s3:http://nas:9000/backups",
		},
		{
			name: "rest",
			cfg:  config.RepositoryConfig{Type: "rest", Name: "r", RestURL: "https://user:pw@host:8000/repo"},
			want: "rest:https://user:pw@host:8000/repo",
		},
		{
			name: "sftp with user",
			cfg:  config.RepositoryConfig{Type: "sftp", Name: "s", SFTPUser: "me", SFTPHost: "host", SFTPPath: "/srv/restic"},
			want: "sftp:me@host:/srv/restic",
		},
		{
			name: "sftp without user",
			cfg:  config.RepositoryConfig{Type: "sftp", Name: "s", SFTPHost: "host", SFTPPath: "/srv/restic"},
			want: "sftp:host:/srv/restic",
		},
		{
			name:    "invalid",
			cfg:     config.RepositoryConfig{Type: "s3", Name: "x"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Location(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Location() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Location() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseS3Keys(t *testing.T) {
	keys, err := ParseS3Keys(S3Keys{AccessKeyID: "AKID", SecretAccessKey: "se:cret"}.String())
	if err != nil {
		t.Fatalf("ParseS3Keys() error = %v", err)
	}
	if keys.AccessKeyID != "AKID" || keys.SecretAccessKey != "se:cret" {
		t.Errorf("ParseS3Keys() = %+v, want AKID/se:cret", keys)
	}
	for _, bad := range []string{"", "AKID", ":secret", "AKID:"} {
		if _, err := ParseS3Keys(bad); err == nil {
			t.Errorf("ParseS3Keys(%q) expected error", bad)
		}
	}
}
