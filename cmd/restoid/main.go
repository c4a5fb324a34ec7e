package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hddq/restoid-sub000/internal/app"
	"github.com/hddq/restoid-sub000/internal/config"
	"github.com/hddq/restoid-sub000/internal/credentials"
	"github.com/hddq/restoid-sub000/internal/repository"
	"github.com/hddq/restoid-sub000/internal/restoid"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp(cmd *cobra.Command) (*app.App, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("resolving paths: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	a, err := app.New(cfg, paths.ConfigPath, app.Options{Verbose: verbose})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "restoid",
	Short:        "Back up and restore Android apps with restic",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to resolve paths: %w", err)
		}

		deviceID := uuid.New().String()
		cfg := config.NewConfig(deviceID, paths.BaseDir)
		if binary, _ := cmd.Flags().GetString("restic"); binary != "" {
			cfg.Restic.Binary = binary
		}
		if noRoot, _ := cmd.Flags().GetBool("no-root"); noRoot {
			cfg.Device.Shell = []string{"sh", "-c"}
		}

		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		store := credentials.NewAgeStore(cfg.Credentials.IdentityPath, cfg.Credentials.Dir)
		if !store.IsConfigured() {
			if err := store.Setup(); err != nil {
				return fmt.Errorf("failed to create credential key: %w", err)
			}
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Device ID: %s\n", deviceID)
		fmt.Printf("Base Dir:  %s\n", paths.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to resolve paths: %w", err)
		}

		cfg, err := config.ReadFromFile(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", paths.ConfigPath)
		fmt.Printf("Device ID:   %s\n", cfg.DeviceID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Restic:      %s\n", cfg.Restic.Binary)
		fmt.Printf("Shell:       %s\n", strings.Join(cfg.Device.Shell, " "))
		fmt.Printf("Categories:  %s\n", strings.Join(cfg.Backup.Categories, ", "))
		fmt.Printf("Excludes:    %s\n", strings.Join(cfg.Backup.Excludes, ", "))
		fmt.Printf("Repository:  %s\n", cfg.SelectedRepository)
		return nil
	},
}

// repo command
var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage repositories",
}

var repoAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		rc := config.RepositoryConfig{Name: args[0]}
		rc.Type, _ = flags.GetString("type")
		rc.Path, _ = flags.GetString("path")
		rc.S3Endpoint, _ = flags.GetString("s3-endpoint")
		rc.S3Bucket, _ = flags.GetString("s3-bucket")
		rc.S3Prefix, _ = flags.GetString("s3-prefix")
		rc.S3Region, _ = flags.GetString("s3-region")
		rc.S3Profile, _ = flags.GetString("s3-profile")
		rc.RestURL, _ = flags.GetString("rest-url")
		rc.SFTPUser, _ = flags.GetString("sftp-user")
		rc.SFTPHost, _ = flags.GetString("sftp-host")
		rc.SFTPPath, _ = flags.GetString("sftp-path")
		create, _ := flags.GetBool("init")
		if err := rc.Validate(); err != nil {
			return err
		}

		reg := repository.Registration{Config: rc, Create: create}
		if keyID, _ := flags.GetString("s3-access-key-id"); keyID != "" {
			secret, err := readSecret("S3 secret access key: ")
			if err != nil {
				return err
			}
			reg.S3Keys = &repository.S3Keys{AccessKeyID: keyID, SecretAccessKey: secret}
		}
		password, err := readNewPassword(create)
		if err != nil {
			return err
		}
		reg.Password = password

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.AddRepository(cmd.Context(), reg)
		if err != nil {
			return fmt.Errorf("adding repository: %w", err)
		}

		fmt.Printf("Repository %s added (id %s)\n", rc.Name, result.Config.ID)
		if result.MetadataRows > 0 {
			fmt.Printf("Recovered metadata for %d app backups\n", result.MetadataRows)
		}
		return nil
	},
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("resolving paths: %w", err)
		}
		cfg, err := config.ReadFromFile(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		if len(cfg.Repositories) == 0 {
			fmt.Println("No repositories configured.")
			return nil
		}
		selected, _ := cfg.Repository("")
		for _, r := range cfg.Repositories {
			marker := " "
			if selected != nil && selected.Name == r.Name {
				marker = "*"
			}
			loc, err := repository.Location(r)
			if err != nil {
				loc = err.Error()
			}
			fmt.Printf("%s %-12s %-6s %s\n", marker, r.Name, r.Type, loc)
		}
		return nil
	},
}

var repoRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Forget a repository and its stored credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RemoveRepository(args[0]); err != nil {
			return err
		}
		fmt.Printf("Repository %s removed; its data was not touched\n", args[0])
		return nil
	},
}

var repoSelectCmd = &cobra.Command{
	Use:   "select NAME",
	Short: "Use a repository by default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.SelectRepository(args[0])
	},
}

var repoCheckCmd = &cobra.Command{
	Use:   "check [NAME]",
	Short: "Verify repository integrity",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, args, "Repository is healthy", (*app.App).CheckRepository)
	},
}

var repoUnlockCmd = &cobra.Command{
	Use:   "unlock [NAME]",
	Short: "Remove stale repository locks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, args, "Repository unlocked", (*app.App).UnlockRepository)
	},
}

var repoPruneCmd = &cobra.Command{
	Use:   "prune [NAME]",
	Short: "Remove unreferenced data",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(cmd, args, "Repository pruned", (*app.App).PruneRepository)
	},
}

var repoPasswdCmd = &cobra.Command{
	Use:   "passwd [NAME]",
	Short: "Change the repository password",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readNewPassword(true)
		if err != nil {
			return err
		}
		return withRepository(cmd, args, "Password changed", func(a *app.App, ctx context.Context, name string) error {
			return a.ChangePassword(ctx, name, password)
		})
	},
}

func withRepository(cmd *cobra.Command, args []string, done string, fn func(*app.App, context.Context, string) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	if err := fn(a, cmd.Context(), name); err != nil {
		return err
	}
	fmt.Println(done)
	return nil
}

// snapshots command
var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List app snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoName, _ := cmd.Flags().GetString("repo")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		snapshots, err := a.Snapshots(cmd.Context(), repoName)
		if err != nil {
			return err
		}
		if len(snapshots) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		for _, s := range snapshots {
			fmt.Printf("%s  %s  %-12s  %d apps\n",
				s.ShortID,
				s.Time.Local().Format("2006-01-02 15:04:05"),
				s.Hostname,
				len(restoid.SnapshotApps(s)),
			)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show [SNAPSHOT]",
	Short: "List the apps of a snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoName, _ := cmd.Flags().GetString("repo")
		ref := "latest"
		if len(args) > 0 {
			ref = args[0]
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		plan, err := a.RestorePlan(cmd.Context(), repoName, ref)
		if err != nil {
			return err
		}

		fmt.Printf("Snapshot %s from %s\n\n", plan.Snapshot.ShortID, plan.Snapshot.Time.Local().Format("2006-01-02 15:04:05"))
		for _, ra := range plan.Apps {
			installed := "not installed"
			if ra.Installed {
				installed = fmt.Sprintf("installed %d", ra.InstalledVersionCode)
			}
			flag := ""
			if ra.IsDowngrade() {
				flag = "  [downgrade]"
			}
			fmt.Printf("%-40s %-12s %-10d %-16s %s%s\n",
				ra.PackageName,
				ra.VersionName,
				ra.BackupVersionCode,
				installed,
				strings.Join(restoid.Classify(plan.Snapshot.Paths, ra.PackageName), ", "),
				flag,
			)
		}
		return nil
	},
}

// apps command
var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List installed apps",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		apps, err := a.Apps(cmd.Context())
		if err != nil {
			return err
		}
		for _, ia := range apps {
			fmt.Printf("%-40s %-24s %s (%d)\n", ia.PackageName, ia.Label, ia.VersionName, ia.VersionCode)
		}
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup [PACKAGE...]",
	Short: "Back up apps",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoName, _ := cmd.Flags().GetString("repo")
		all, _ := cmd.Flags().GetBool("all")
		categories, err := categoriesFlag(cmd)
		if err != nil {
			return err
		}
		if len(args) == 0 && !all {
			return errors.New("name packages to back up or pass --all")
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var progress progressPrinter
		result, err := a.Backup(cmd.Context(), app.BackupRequest{
			Repository: repoName,
			Packages:   args,
			All:        all,
			Categories: categories,
		}, progress.watch)
		progress.wait()
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		fmt.Println(result.Summary)
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore [PACKAGE...]",
	Short: "Restore apps from a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoName, _ := cmd.Flags().GetString("repo")
		snapshot, _ := cmd.Flags().GetString("snapshot")
		allowDowngrade, _ := cmd.Flags().GetBool("allow-downgrade")
		categories, err := categoriesFlag(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var progress progressPrinter
		result, err := a.Restore(cmd.Context(), app.RestoreRequest{
			Repository:     repoName,
			Snapshot:       snapshot,
			Packages:       args,
			Categories:     categories,
			AllowDowngrade: allowDowngrade,
		}, progress.watch)
		progress.wait()
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}

		fmt.Println(result.Summary)
		if result.Failed > 0 {
			return fmt.Errorf("%d apps failed to restore", result.Failed)
		}
		return nil
	},
}

// forget command
var forgetCmd = &cobra.Command{
	Use:   "forget SNAPSHOT...",
	Short: "Remove snapshots",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoName, _ := cmd.Flags().GetString("repo")
		prune, _ := cmd.Flags().GetBool("prune")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.Forget(cmd.Context(), repoName, args, prune)
		if err != nil {
			return err
		}
		fmt.Printf("Forgot %d snapshot(s)\n", len(ids))
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View backup and restore history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if !op.FinishedAt.IsZero() {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			snapshot := op.SnapshotID
			if len(snapshot) > 8 {
				snapshot = snapshot[:8]
			}
			fmt.Printf("%s  %-8s  %-10s  %-8s  %-8s  %s\n",
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Kind,
				op.Repository,
				snapshot,
				op.Status,
				duration,
			)
		}
		return nil
	},
}

// version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the restic version in use",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.ToolVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("restic %s\n", v)
		return nil
	},
}

func categoriesFlag(cmd *cobra.Command) ([]restoid.DataCategory, error) {
	keys, _ := cmd.Flags().GetStringSlice("categories")
	if len(keys) == 0 {
		return nil, nil
	}
	return restoid.ParseCategories(keys)
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("restic", "", "Path of the restic binary")
	configInitCmd.Flags().Bool("no-root", false, "Run device commands without su")

	// repo subcommands
	repoCmd.AddCommand(repoAddCmd)
	repoCmd.AddCommand(repoListCmd)
	repoCmd.AddCommand(repoRemoveCmd)
	repoCmd.AddCommand(repoSelectCmd)
	repoCmd.AddCommand(repoCheckCmd)
	repoCmd.AddCommand(repoUnlockCmd)
	repoCmd.AddCommand(repoPruneCmd)
	repoCmd.AddCommand(repoPasswdCmd)
	repoAddCmd.Flags().String("type", "local", "Repository type: local, s3, rest or sftp")
	repoAddCmd.Flags().String("path", "", "Directory of a local repository")
	repoAddCmd.Flags().String("s3-endpoint", "", "S3 endpoint, empty for AWS")
	repoAddCmd.Flags().String("s3-bucket", "", "S3 bucket")
	repoAddCmd.Flags().String("s3-prefix", "", "Key prefix inside the bucket")
	repoAddCmd.Flags().String("s3-region", "", "S3 region")
	repoAddCmd.Flags().String("s3-profile", "", "AWS shared config profile")
	repoAddCmd.Flags().String("s3-access-key-id", "", "Store static S3 keys; the secret is prompted for")
	repoAddCmd.Flags().String("rest-url", "", "URL of a rest-server repository")
	repoAddCmd.Flags().String("sftp-user", "", "SFTP user")
	repoAddCmd.Flags().String("sftp-host", "", "SFTP host")
	repoAddCmd.Flags().String("sftp-path", "", "Repository path on the SFTP host")
	repoAddCmd.Flags().Bool("init", false, "Create a new repository")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(repoCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(appsCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	for _, c := range []*cobra.Command{snapshotsCmd, showCmd, backupCmd, restoreCmd, forgetCmd} {
		c.Flags().StringP("repo", "r", "", "Repository name, default the selected one")
	}
	backupCmd.Flags().Bool("all", false, "Back up every installed app")
	backupCmd.Flags().StringSliceP("categories", "c", nil, "Categories to back up (apk,data,user_de,external_data,obb,media)")
	restoreCmd.Flags().StringP("snapshot", "s", "latest", "Snapshot to restore from")
	restoreCmd.Flags().StringSliceP("categories", "c", nil, "Categories to restore")
	restoreCmd.Flags().Bool("allow-downgrade", false, "Restore backups older than the installed version")
	forgetCmd.Flags().Bool("prune", false, "Remove unreferenced data afterwards")
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of operations to show")
}
