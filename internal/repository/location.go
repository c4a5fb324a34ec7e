// Package repository turns configured repositories into resolved
// restoid.Repository values and registers new ones.
package repository

import (
	"fmt"
	"strings"

	"github.com/hddq/restoid-sub000/internal/config"
)

const defaultS3Host = "s3.amazonaws.com"

// Location returns the repository string restic expects for cfg.
func Location(cfg config.RepositoryConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	switch cfg.Type {
	case "local":
		return cfg.Path, nil
	case "s3":
		host := defaultS3Host
		if cfg.S3Endpoint != "" {
			host = strings.TrimSuffix(cfg.S3Endpoint, "/")
		}
		loc := "s3:" + host + "/" + cfg.S3Bucket
		if prefix := strings.Trim(cfg.S3Prefix, "/"); prefix != "" {
			loc += "/" + prefix
		}
		return loc, nil
	case "rest":
		return "rest:" + cfg.RestURL, nil
	case "sftp":
		host := cfg.SFTPHost
		if cfg.SFTPUser != "" {
			host = cfg.SFTPUser + "@" + host
		}
		return "sftp:" + host + ":" + cfg.SFTPPath, nil
	default:
		return "", fmt.Errorf("unknown repository type: %s", cfg.Type)
	}
}
