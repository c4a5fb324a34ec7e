package restoid_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/hddq/restoid-sub000/internal/restoid"
	"github.com/hddq/restoid-sub000/internal/testutil"
)

type restoreFixture struct {
	tool      *testutil.FakeTool
	device    *testutil.FakeDevice
	installer *testutil.FakeInstaller
	staging   *testutil.FakeStagingArea
	orch      *restoid.RestoreOrchestrator
	op        *restoid.Operation
	repo      restoid.Repository
}

func setupRestore(t *testing.T) *restoreFixture {
	t.Helper()
	f := &restoreFixture{
		tool:      testutil.NewFakeTool(),
		device:    testutil.NewFakeDevice(),
		installer: testutil.NewFakeInstaller(),
		staging:   testutil.NewFakeStagingArea(),
		repo:      restoid.Repository{ID: "repo-1", Name: "local", Location: "/tmp/repo", Password: "secret"},
	}
	f.orch = restoid.NewRestoreOrchestrator(f.tool, f.device, f.installer, f.staging, restoid.NewNopLogger())
	f.op = restoid.NewOperation("op-1", restoid.OperationRestore, testutil.FixedClock())
	return f
}

var exampleSnapshot = restoid.Snapshot{
	ID:      "0123456789abcdef",
	ShortID: "01234567",
	Paths: []string{
		"/data/app/~~a==/com.example-1==",
		"/data/data/com.example",
		"/data/user_de/0/com.example",
		"/data/data/org.other",
	},
	Tags: []string{restoid.AppTag, "com.example|1.0|10", "org.other|2.0|20"},
}

func restoreSelection(categories ...restoid.DataCategory) restoid.RestoreSelection {
	return restoid.RestoreSelection{
		Snapshot: exampleSnapshot,
		Apps: []restoid.RestoreApp{
			{PackageName: "com.example", BackupVersionCode: 10},
			{PackageName: "org.other", BackupVersionCode: 20},
		},
		Categories: categories,
	}
}

func TestRestoreOrchestrator_Run(t *testing.T) {
	t.Run("installs packages and copies data", func(t *testing.T) {
		t.Parallel()
		f := setupRestore(t)
		f.tool.RestoreLines = []string{
			`{"message_type":"status","percent_done":0.5,"total_files":10,"files_restored":5}`,
			`{"message_type":"summary","total_files":10,"files_restored":10}`,
		}
		f.staging.Packages["com.example"] = []string{"/s/base.apk", "/s/split_config.arm64.apk"}
		f.staging.Packages["org.other"] = []string{"/s/other/base.apk"}
		f.staging.Staged["/data/data/com.example"] = true
		f.staging.Staged["/data/data/org.other"] = true
		f.device.Owners["/data/data/com.example"] = restoid.Owner{UID: 10100, GID: 10100}
		f.device.Owners["/data/data/org.other"] = restoid.Owner{UID: 10200, GID: 10200}

		result, err := f.orch.Run(context.Background(), f.op, f.repo, restoreSelection(restoid.CategoryApk, restoid.CategoryData))
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.Succeeded != 2 || result.Failed != 0 {
			t.Errorf("Succeeded/Failed = %d/%d, want 2/0", result.Succeeded, result.Failed)
		}

		restoreCmd := f.tool.RestoreCalls[0]
		wantIncludes := []string{"/data/app/~~a==/com.example-1==", "/data/data/com.example", "/data/data/org.other"}
		if !reflect.DeepEqual(restoreCmd.Includes, wantIncludes) {
			t.Errorf("Includes = %v, want %v", restoreCmd.Includes, wantIncludes)
		}
		if restoreCmd.Target != "/staging/op-1" {
			t.Errorf("Target = %q, want /staging/op-1", restoreCmd.Target)
		}

		if !reflect.DeepEqual(f.installer.Written[1], []string{"/s/base.apk", "/s/split_config.arm64.apk"}) {
			t.Errorf("session 1 splits = %v", f.installer.Written[1])
		}
		if !reflect.DeepEqual(f.installer.Committed, []int{1, 2}) {
			t.Errorf("Committed = %v, want [1 2]", f.installer.Committed)
		}
		if opts := f.installer.Options[0]; !opts.Reinstall || opts.AllowDowngrade {
			t.Errorf("install options = %+v, want reinstall without downgrade", opts)
		}

		wantCopies := [][2]string{
			{"/staging/op-1/data/data/com.example", "/data/data/com.example"},
			{"/staging/op-1/data/data/org.other", "/data/data/org.other"},
		}
		if !reflect.DeepEqual(f.device.Copies, wantCopies) {
			t.Errorf("Copies = %v, want %v", f.device.Copies, wantCopies)
		}
		if got := f.device.Chowns["/data/data/com.example"]; got.UID != 10100 {
			t.Errorf("chown owner = %v, want 10100:10100", got)
		}
		if !reflect.DeepEqual(f.device.Stopped, []string{"com.example", "org.other"}) {
			t.Errorf("Stopped = %v", f.device.Stopped)
		}
		if !reflect.DeepEqual(f.staging.Removed, []string{"/staging/op-1"}) {
			t.Errorf("Removed = %v", f.staging.Removed)
		}

		state := f.op.Snapshot()
		if !state.IsFinished || state.Err != nil || state.OverallPercentage != 1 {
			t.Errorf("state = %+v, want finished at 100%% without error", state)
		}
		if state.StageTitle != restoid.StageCleanup {
			t.Errorf("StageTitle = %q, want %q", state.StageTitle, restoid.StageCleanup)
		}
	})

	t.Run("overall progress never decreases", func(t *testing.T) {
		t.Parallel()
		f := setupRestore(t)
		f.tool.RestoreLines = []string{
			`{"message_type":"status","percent_done":0.2,"total_files":10,"files_restored":2}`,
			`{"message_type":"status","percent_done":0.7,"total_files":10,"files_restored":7}`,
			`{"message_type":"summary","total_files":10,"files_restored":10}`,
		}
		f.staging.Packages["com.example"] = []string{"/s/base.apk"}
		f.staging.Packages["org.other"] = []string{"/s/other/base.apk"}
		f.staging.Staged["/data/data/com.example"] = true
		f.staging.Staged["/data/data/org.other"] = true
		f.device.Owners["/data/data/com.example"] = restoid.Owner{UID: 10100, GID: 10100}
		f.device.Owners["/data/data/org.other"] = restoid.Owner{UID: 10200, GID: 10200}

		var samples []restoid.ProgressState
		sample := func() { samples = append(samples, f.op.Snapshot()) }
		f.tool.OnRestore = func(restoid.RestoreCommand) error { sample(); return nil }
		f.device.OnChange = sample

		updates := f.op.Subscribe()
		collected := make(chan []restoid.ProgressState)
		go func() {
			var states []restoid.ProgressState
			for s := range updates {
				states = append(states, s)
			}
			collected <- states
		}()

		if _, err := f.orch.Run(context.Background(), f.op, f.repo, restoreSelection(restoid.CategoryApk, restoid.CategoryData)); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		published := <-collected

		stages := map[string]bool{}
		for _, s := range samples {
			stages[s.StageTitle] = true
		}
		for _, stage := range []string{restoid.StageTransfer, restoid.StageProcessing} {
			if !stages[stage] {
				t.Errorf("no progress sampled in stage %q", stage)
			}
		}
		if last := published[len(published)-1]; last.StageTitle != restoid.StageCleanup || last.OverallPercentage != 1 {
			t.Errorf("last published state = %+v, want cleanup at 100%%", last)
		}

		checkNonDecreasing(t, "sampled", samples)
		checkNonDecreasing(t, "published", published)
	})

	t.Run("no matching paths fails before tool", func(t *testing.T) {
		t.Parallel()
		f := setupRestore(t)
		sel := restoid.RestoreSelection{
			Snapshot:   restoid.Snapshot{ID: "x", ShortID: "x", Paths: []string{"/data/user_de/0/com.example"}},
			Apps:       []restoid.RestoreApp{{PackageName: "com.example"}},
			Categories: []restoid.DataCategory{restoid.CategoryData},
		}

		_, err := f.orch.Run(context.Background(), f.op, f.repo, sel)
		if !errors.Is(err, restoid.ErrNoMatchingPaths) {
			t.Fatalf("Run() error = %v, want ErrNoMatchingPaths", err)
		}
		if !strings.Contains(err.Error(), "no matching files found in snapshot") {
			t.Errorf("error = %q", err.Error())
		}
		if len(f.tool.RestoreCalls) != 0 {
			t.Error("tool invoked with empty filter")
		}
		if len(f.staging.Created) != 0 {
			t.Error("staging created for empty filter")
		}
		state := f.op.Snapshot()
		if !state.IsFinished || !errors.Is(state.Err, restoid.ErrNoMatchingPaths) {
			t.Errorf("state = %+v, want finished with error", state)
		}
	})

	t.Run("missing package files fail the app but data is kept", func(t *testing.T) {
		t.Parallel()
		f := setupRestore(t)
		f.staging.Staged["/data/data/com.example"] = true
		f.device.Owners["/data/data/com.example"] = restoid.Owner{UID: 10100, GID: 10100}
		sel := restoreSelection(restoid.CategoryApk, restoid.CategoryData)
		sel.Apps = sel.Apps[:1]

		result, err := f.orch.Run(context.Background(), f.op, f.repo, sel)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.Failed != 1 || result.Succeeded != 0 {
			t.Errorf("Succeeded/Failed = %d/%d, want 0/1", result.Succeeded, result.Failed)
		}
		if len(f.device.Copies) != 1 {
			t.Errorf("Copies = %v, want data copied", f.device.Copies)
		}
		if !strings.Contains(result.Summary, "com.example: No package files found in restored data.") {
			t.Errorf("Summary = %q", result.Summary)
		}
		if len(f.installer.Options) != 0 {
			t.Error("install session created without package files")
		}
	})

	t.Run("failed install abandons session and skips data", func(t *testing.T) {
		t.Parallel()
		f := setupRestore(t)
		f.staging.Packages["com.example"] = []string{"/s/base.apk", "/s/split.apk"}
		f.staging.Packages["org.other"] = []string{"/s/other.apk"}
		f.staging.Staged["/data/data/com.example"] = true
		f.staging.Staged["/data/data/org.other"] = true
		f.device.Owners["/data/data/com.example"] = restoid.Owner{UID: 1, GID: 1}
		f.device.Owners["/data/data/org.other"] = restoid.Owner{UID: 2, GID: 2}
		f.installer.WriteErrs["/s/split.apk"] = testutil.ErrInjected

		result, err := f.orch.Run(context.Background(), f.op, f.repo, restoreSelection(restoid.CategoryApk, restoid.CategoryData))
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.Failed != 1 || result.Succeeded != 1 {
			t.Errorf("Succeeded/Failed = %d/%d, want 1/1", result.Succeeded, result.Failed)
		}
		if !reflect.DeepEqual(f.installer.Abandoned, []int{1}) {
			t.Errorf("Abandoned = %v, want [1]", f.installer.Abandoned)
		}
		if !reflect.DeepEqual(f.installer.Committed, []int{2}) {
			t.Errorf("Committed = %v, want [2]", f.installer.Committed)
		}
		for _, c := range f.device.Copies {
			if c[1] == "/data/data/com.example" {
				t.Error("data copied for app whose install failed")
			}
		}
		if r := result.Results[0]; r.Success || !strings.Contains(r.Reason(), "split.apk") {
			t.Errorf("com.example result = %+v", r)
		}
	})

	t.Run("data failures are isolated per category", func(t *testing.T) {
		t.Parallel()
		f := setupRestore(t)
		f.staging.Staged["/data/data/com.example"] = true
		f.staging.Staged["/data/user_de/0/com.example"] = true
		f.device.Owners["/data/data/com.example"] = restoid.Owner{UID: 1, GID: 1}
		f.device.CopyErrs["/data/data/com.example"] = testutil.ErrInjected
		f.device.StopErr = errors.New("not running")
		f.device.ContextErr = errors.New("restorecon missing")
		sel := restoreSelection(restoid.CategoryData, restoid.CategoryDeviceProtectedData)
		sel.Apps = sel.Apps[:1]

		result, err := f.orch.Run(context.Background(), f.op, f.repo, sel)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		r := result.Results[0]
		if r.Success || len(r.Reasons) != 1 || !strings.HasPrefix(r.Reasons[0], "Data: copy failed") {
			t.Errorf("result = %+v, want one data copy failure", r)
		}
		if _, ok := f.device.Chowns["/data/user_de/0/com.example"]; !ok {
			t.Error("device protected data not restored after data failure")
		}
	})

	t.Run("unresolvable owner fails app", func(t *testing.T) {
		t.Parallel()
		f := setupRestore(t)
		f.staging.Staged["/data/data/org.other"] = true
		sel := restoreSelection(restoid.CategoryData)
		sel.Apps = sel.Apps[1:]

		result, err := f.orch.Run(context.Background(), f.op, f.repo, sel)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.Failed != 1 || len(f.device.Copies) != 0 {
			t.Errorf("Failed = %d, Copies = %v, want failure without copies", result.Failed, f.device.Copies)
		}
	})

	t.Run("cleanup failure is a warning", func(t *testing.T) {
		t.Parallel()
		f := setupRestore(t)
		f.staging.Staged["/data/data/com.example"] = true
		f.device.Owners["/data/data/com.example"] = restoid.Owner{UID: 1, GID: 1}
		f.staging.RemoveErr = errors.New("device busy")
		sel := restoreSelection(restoid.CategoryData)
		sel.Apps = sel.Apps[:1]

		result, err := f.orch.Run(context.Background(), f.op, f.repo, sel)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		state := f.op.Snapshot()
		if !state.IsFinished || state.Err != nil {
			t.Fatalf("state = %+v, want finished without error", state)
		}
		if !strings.Contains(state.Summary, "device busy") || len(result.Warnings) != 1 {
			t.Errorf("Summary = %q, want cleanup warning", state.Summary)
		}
	})

	t.Run("tool failure still cleans up", func(t *testing.T) {
		t.Parallel()
		f := setupRestore(t)
		f.tool.RestoreErr = errors.New("exit status 1")

		_, err := f.orch.Run(context.Background(), f.op, f.repo, restoreSelection(restoid.CategoryData))
		if !errors.Is(err, restoid.ErrToolInvocation) {
			t.Fatalf("Run() error = %v, want ErrToolInvocation", err)
		}
		if len(f.staging.Removed) != 1 {
			t.Error("staging directory not removed after tool failure")
		}
		if len(f.device.Copies) != 0 {
			t.Error("apps processed after tool failure")
		}
	})

	t.Run("cancellation still cleans up", func(t *testing.T) {
		t.Parallel()
		f := setupRestore(t)
		ctx, cancel := context.WithCancel(context.Background())
		f.tool.OnRestore = func(restoid.RestoreCommand) error {
			cancel()
			return nil
		}
		f.staging.Staged["/data/data/com.example"] = true

		_, err := f.orch.Run(ctx, f.op, f.repo, restoreSelection(restoid.CategoryData))
		if !errors.Is(err, restoid.ErrCancelled) {
			t.Fatalf("Run() error = %v, want ErrCancelled", err)
		}
		if len(f.staging.Removed) != 1 {
			t.Error("staging directory not removed after cancellation")
		}
		if !f.op.Snapshot().IsFinished {
			t.Error("operation not finished after cancellation")
		}
	})

	t.Run("downgrades are skipped unless allowed", func(t *testing.T) {
		t.Parallel()
		f := setupRestore(t)
		f.staging.Staged["/data/data/com.example"] = true
		f.device.Owners["/data/data/com.example"] = restoid.Owner{UID: 1, GID: 1}
		sel := restoreSelection(restoid.CategoryData)
		sel.Apps = []restoid.RestoreApp{
			{PackageName: "com.example", BackupVersionCode: 10, InstalledVersionCode: 10, Installed: true},
			{PackageName: "org.other", BackupVersionCode: 20, InstalledVersionCode: 30, Installed: true},
		}

		result, err := f.orch.Run(context.Background(), f.op, f.repo, sel)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(result.Results) != 1 || result.Results[0].PackageName != "com.example" {
			t.Errorf("Results = %+v, want only com.example", result.Results)
		}
		if !reflect.DeepEqual(f.tool.RestoreCalls[0].Includes, []string{"/data/data/com.example"}) {
			t.Errorf("Includes = %v", f.tool.RestoreCalls[0].Includes)
		}
		if !strings.Contains(result.Summary, "Skipped org.other") {
			t.Errorf("Summary = %q", result.Summary)
		}
	})

	t.Run("allowed downgrade is passed to installer", func(t *testing.T) {
		t.Parallel()
		f := setupRestore(t)
		f.staging.Packages["org.other"] = []string{"/s/base.apk"}
		sel := restoreSelection(restoid.CategoryApk)
		sel.AllowDowngrade = true
		sel.Apps = []restoid.RestoreApp{{PackageName: "org.other", BackupVersionCode: 20, InstalledVersionCode: 30, Installed: true}}
		sel.Snapshot.Paths = append([]string{"/data/app/~~b==/org.other-9=="}, exampleSnapshot.Paths...)

		result, err := f.orch.Run(context.Background(), f.op, f.repo, sel)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.Succeeded != 1 || !f.installer.Options[0].AllowDowngrade {
			t.Errorf("result = %+v, options = %+v", result, f.installer.Options)
		}
	})

	t.Run("nothing selected", func(t *testing.T) {
		t.Parallel()
		f := setupRestore(t)

		_, err := f.orch.Run(context.Background(), f.op, f.repo, restoreSelection())
		if !errors.Is(err, restoid.ErrNothingSelected) {
			t.Fatalf("Run() error = %v, want ErrNothingSelected", err)
		}
	})
}

func checkNonDecreasing(t *testing.T, name string, states []restoid.ProgressState) {
	t.Helper()
	for i := 1; i < len(states); i++ {
		prev, cur := states[i-1], states[i]
		if cur.OverallPercentage < prev.OverallPercentage {
			t.Errorf("%s state %d: overall %.3f after %.3f (%s -> %s)",
				name, i, cur.OverallPercentage, prev.OverallPercentage, prev.StageTitle, cur.StageTitle)
		}
	}
}
