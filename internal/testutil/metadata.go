package testutil

import (
	"context"
	"sync"

	"github.com/hddq/restoid-sub000/internal/restoid"
)

// FakeMetadataStore is an in-memory restoid.MetadataStore.
type FakeMetadataStore struct {
	mu      sync.Mutex
	entries map[string][]restoid.AppMetadataEntry

	SaveErr   error
	MirrorErr error
	PruneErr  error

	Mirrors   int
	PruneKeep []int
}

var _ restoid.MetadataStore = (*FakeMetadataStore)(nil)

func NewFakeMetadataStore() *FakeMetadataStore {
	return &FakeMetadataStore{entries: make(map[string][]restoid.AppMetadataEntry)}
}

func (m *FakeMetadataStore) GetMetadataForSnapshot(ctx context.Context, repoID, snapshotID string) (map[string]restoid.AppMetadataEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]restoid.AppMetadataEntry)
	for _, e := range m.entries[repoID+"/"+snapshotID] {
		out[e.PackageName] = e
	}
	return out, nil
}

func (m *FakeMetadataStore) SaveSnapshotMetadata(ctx context.Context, repoID, snapshotID string, entries []restoid.AppMetadataEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.entries[repoID+"/"+snapshotID] = append([]restoid.AppMetadataEntry(nil), entries...)
	return nil
}

func (m *FakeMetadataStore) Mirror(ctx context.Context, repo restoid.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MirrorErr != nil {
		return m.MirrorErr
	}
	m.Mirrors++
	return nil
}

func (m *FakeMetadataStore) PruneMirrors(ctx context.Context, repo restoid.Repository, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PruneKeep = append(m.PruneKeep, keep)
	return m.PruneErr
}
