package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/hddq/restoid-sub000/internal/config"
	"github.com/hddq/restoid-sub000/internal/credentials"
	"github.com/hddq/restoid-sub000/internal/restoid"
)

// s3KeysSuffix names the credential entry holding an S3 repository's keys.
const s3KeysSuffix = ".s3"

// Admin is the part of the tool used to set up repositories.
type Admin interface {
	Init(ctx context.Context, repo restoid.Repository) error
	RepositoryID(ctx context.Context, repo restoid.Repository) (string, error)
}

// Bootstrapper recovers local metadata from a repository.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, repo restoid.Repository) (int64, error)
}

// Resolver combines repository configuration with stored credentials.
type Resolver struct {
	creds  credentials.Store
	logger restoid.Logger
}

// NewResolver creates a Resolver with the provided dependencies.
func NewResolver(creds credentials.Store, logger restoid.Logger) *Resolver {
	return &Resolver{creds: creds, logger: logger}
}

// Resolve returns the repository described by cfg with its password and
// backend environment.
func (r *Resolver) Resolve(ctx context.Context, cfg config.RepositoryConfig) (restoid.Repository, error) {
	loc, err := Location(cfg)
	if err != nil {
		return restoid.Repository{}, err
	}
	password, err := r.creds.Get(cfg.Name)
	if err != nil {
		return restoid.Repository{}, fmt.Errorf("loading password for repository %s: %w", cfg.Name, err)
	}

	repo := restoid.Repository{
		ID:       cfg.ID,
		Name:     cfg.Name,
		Location: loc,
		Password: password,
	}
	if cfg.Type == "s3" {
		keys, err := r.s3Keys(cfg.Name)
		if err != nil {
			return restoid.Repository{}, err
		}
		awsCfg, err := loadAWSConfig(ctx, cfg, keys)
		if err != nil {
			return restoid.Repository{}, err
		}
		if repo.Env, err = s3Environment(ctx, awsCfg); err != nil {
			return restoid.Repository{}, err
		}
	}
	return repo, nil
}

// Preflight checks that the backend of cfg is reachable before the tool is
// pointed at it. Only S3 repositories are checked; restic reports problems
// with the other backends itself.
func (r *Resolver) Preflight(ctx context.Context, cfg config.RepositoryConfig) error {
	if cfg.Type != "s3" {
		return nil
	}
	keys, err := r.s3Keys(cfg.Name)
	if err != nil {
		return err
	}
	awsCfg, err := loadAWSConfig(ctx, cfg, keys)
	if err != nil {
		return err
	}
	return headBucket(ctx, awsCfg, cfg)
}

// s3Keys returns the stored static keys of an S3 repository, or nil to use
// the default AWS credential chain.
func (r *Resolver) s3Keys(name string) (*S3Keys, error) {
	stored, err := r.creds.Get(name + s3KeysSuffix)
	if errors.Is(err, credentials.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading S3 keys for repository %s: %w", name, err)
	}
	keys, err := ParseS3Keys(stored)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", name, err)
	}
	return &keys, nil
}

// Registration describes a repository being added.
type Registration struct {
	Config   config.RepositoryConfig
	Password string
	// Create initializes a new repository instead of opening an existing one.
	Create bool
	// S3Keys are stored alongside the password when set.
	S3Keys *S3Keys
}

// RegisterResult describes a registered repository.
type RegisterResult struct {
	// Config carries the repository ID read from the tool.
	Config config.RepositoryConfig
	// MetadataRows is the number of metadata rows recovered from the
	// repository's mirror.
	MetadataRows int64
}

// Register stores the credentials of a new repository, optionally
// initializes it, reads its ID and recovers the metadata mirrored into it.
// Stored credentials are removed again when registration fails. A failed
// metadata recovery is only logged.
func (r *Resolver) Register(ctx context.Context, reg Registration, admin Admin, boot Bootstrapper) (*RegisterResult, error) {
	cfg := reg.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := r.creds.Put(cfg.Name, reg.Password); err != nil {
		return nil, fmt.Errorf("storing password: %w", err)
	}
	if reg.S3Keys != nil {
		if err := r.creds.Put(cfg.Name+s3KeysSuffix, reg.S3Keys.String()); err != nil {
			r.forget(cfg.Name)
			return nil, fmt.Errorf("storing S3 keys: %w", err)
		}
	}

	id, err := r.open(ctx, reg, admin)
	if err != nil {
		r.forget(cfg.Name)
		return nil, err
	}
	cfg.ID = id

	result := &RegisterResult{Config: cfg}
	repo, err := r.Resolve(ctx, cfg)
	if err != nil {
		r.forget(cfg.Name)
		return nil, err
	}
	rows, err := boot.Bootstrap(ctx, repo)
	if err != nil {
		r.logger.Warn("recovering metadata failed", "repository", cfg.Name, "error", err)
	}
	result.MetadataRows = rows
	r.logger.Info("repository registered", "repository", cfg.Name, "id", id, "metadata_rows", rows)
	return result, nil
}

func (r *Resolver) open(ctx context.Context, reg Registration, admin Admin) (string, error) {
	if err := r.Preflight(ctx, reg.Config); err != nil {
		return "", fmt.Errorf("preflight: %w", err)
	}
	repo, err := r.Resolve(ctx, reg.Config)
	if err != nil {
		return "", err
	}
	if reg.Create {
		if err := admin.Init(ctx, repo); err != nil {
			return "", fmt.Errorf("initializing repository: %w", err)
		}
	}
	id, err := admin.RepositoryID(ctx, repo)
	if err != nil {
		return "", fmt.Errorf("reading repository id: %w", err)
	}
	return id, nil
}

// Forget removes the stored credentials of a repository.
func (r *Resolver) Forget(name string) error {
	if err := r.creds.Delete(name); err != nil {
		return err
	}
	return r.creds.Delete(name + s3KeysSuffix)
}

func (r *Resolver) forget(name string) {
	if err := r.Forget(name); err != nil {
		r.logger.Warn("removing stored credentials failed", "repository", name, "error", err)
	}
}
