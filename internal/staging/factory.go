package staging

import (
	"fmt"

	"github.com/hddq/restoid-sub000/internal/config"
)

// NewStagingAreaFromConfig creates the staging area described by cfg.
func NewStagingAreaFromConfig(cfg config.StagingConfig) (*FileSystemStagingArea, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("staging area requires dir to be set")
	}
	return NewFileSystemStagingArea(cfg.Dir)
}
