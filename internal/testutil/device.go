package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hddq/restoid-sub000/internal/restoid"
)

// FakeDevice records privileged operations instead of performing them.
type FakeDevice struct {
	mu sync.Mutex

	// Owners maps paths to their owner. Unknown paths fail Owner.
	Owners     map[string]restoid.Owner
	StopErr    error
	CopyErrs   map[string]error // keyed by destination
	ChownErrs  map[string]error // keyed by path
	ContextErr error
	// Sizes maps paths to their disk usage.
	Sizes    map[string]int64
	UsageErr error

	// OnChange runs after every call that changes device state, outside the
	// fake's lock.
	OnChange func()

	Stopped  []string
	Copies   [][2]string
	Chowns   map[string]restoid.Owner
	Contexts []string
}

var _ restoid.Device = (*FakeDevice)(nil)

func NewFakeDevice() *FakeDevice {
	return &FakeDevice{
		Owners:    make(map[string]restoid.Owner),
		CopyErrs:  make(map[string]error),
		ChownErrs: make(map[string]error),
		Sizes:     make(map[string]int64),
		Chowns:    make(map[string]restoid.Owner),
	}
}

func (d *FakeDevice) Owner(ctx context.Context, path string) (restoid.Owner, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.Owners[path]
	if !ok {
		return restoid.Owner{}, fmt.Errorf("stat %s: no such file or directory", path)
	}
	return o, nil
}

func (d *FakeDevice) StopApp(ctx context.Context, pkg string) error {
	defer d.changed()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Stopped = append(d.Stopped, pkg)
	return d.StopErr
}

func (d *FakeDevice) CopyTree(ctx context.Context, src, dst string) error {
	defer d.changed()
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.CopyErrs[dst]; err != nil {
		return err
	}
	d.Copies = append(d.Copies, [2]string{src, dst})
	return nil
}

func (d *FakeDevice) Chown(ctx context.Context, path string, owner restoid.Owner) error {
	defer d.changed()
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ChownErrs[path]; err != nil {
		return err
	}
	d.Chowns[path] = owner
	return nil
}

func (d *FakeDevice) RestoreContext(ctx context.Context, path string) error {
	defer d.changed()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Contexts = append(d.Contexts, path)
	return d.ContextErr
}

func (d *FakeDevice) changed() {
	if d.OnChange != nil {
		d.OnChange()
	}
}

func (d *FakeDevice) DiskUsage(ctx context.Context, paths []string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.UsageErr != nil {
		return 0, d.UsageErr
	}
	var total int64
	for _, p := range paths {
		total += d.Sizes[p]
	}
	return total, nil
}

// FakeInstaller is an in-memory restoid.PackageInstaller.
type FakeInstaller struct {
	mu sync.Mutex

	CreateErr error
	// WriteErrs fails writes of the given split path.
	WriteErrs map[string]error
	CommitErr error

	Options   []restoid.InstallOptions
	Written   map[int][]string
	Committed []int
	Abandoned []int

	next int
}

var _ restoid.PackageInstaller = (*FakeInstaller)(nil)

func NewFakeInstaller() *FakeInstaller {
	return &FakeInstaller{
		WriteErrs: make(map[string]error),
		Written:   make(map[int][]string),
	}
}

func (i *FakeInstaller) CreateSession(ctx context.Context, opts restoid.InstallOptions) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.CreateErr != nil {
		return 0, i.CreateErr
	}
	i.next++
	i.Options = append(i.Options, opts)
	return i.next, nil
}

func (i *FakeInstaller) WriteSplit(ctx context.Context, session int, index int, path string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.WriteErrs[path]; err != nil {
		return err
	}
	if index != len(i.Written[session]) {
		return fmt.Errorf("split %d written out of order", index)
	}
	i.Written[session] = append(i.Written[session], path)
	return nil
}

func (i *FakeInstaller) CommitSession(ctx context.Context, session int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.CommitErr != nil {
		return i.CommitErr
	}
	i.Committed = append(i.Committed, session)
	return nil
}

func (i *FakeInstaller) AbandonSession(ctx context.Context, session int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Abandoned = append(i.Abandoned, session)
	return nil
}

// FakeRegistry is an in-memory restoid.PackageRegistry that counts lookups.
type FakeRegistry struct {
	mu       sync.Mutex
	packages map[string]restoid.PackageInfo
	lookups  map[string]int

	ListErr error
}

var _ restoid.PackageRegistry = (*FakeRegistry)(nil)

func NewFakeRegistry(pkgs ...restoid.PackageInfo) *FakeRegistry {
	r := &FakeRegistry{
		packages: make(map[string]restoid.PackageInfo),
		lookups:  make(map[string]int),
	}
	for _, p := range pkgs {
		r.packages[p.PackageName] = p
	}
	return r
}

// Install adds or replaces a package.
func (r *FakeRegistry) Install(p restoid.PackageInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packages[p.PackageName] = p
}

// Uninstall removes a package.
func (r *FakeRegistry) Uninstall(pkg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.packages, pkg)
}

// Lookups returns how often pkg was looked up.
func (r *FakeRegistry) Lookups(pkg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups[pkg]
}

func (r *FakeRegistry) InstalledVersions(ctx context.Context) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ListErr != nil {
		return nil, r.ListErr
	}
	out := make(map[string]int64, len(r.packages))
	for name, p := range r.packages {
		out[name] = p.VersionCode
	}
	return out, nil
}

func (r *FakeRegistry) Lookup(ctx context.Context, pkg string) (*restoid.PackageInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups[pkg]++
	p, ok := r.packages[pkg]
	if !ok {
		return nil, fmt.Errorf("%s: %w", pkg, restoid.ErrNotInstalled)
	}
	return &p, nil
}

// ErrInjected is a generic failure for fakes.
var ErrInjected = errors.New("injected failure")
