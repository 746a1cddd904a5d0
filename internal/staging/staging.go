// Package staging copies cataloged data onto a user-accessible local disk,
// typically a network filesystem mounted on the catalog host, then hands
// ownership to the requesting user via an external chown helper.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/config"
	"github.com/hera-team/librarian/internal/logging"
	"github.com/hera-team/librarian/internal/search"
	"github.com/hera-team/librarian/internal/tasks"
)

// Sentinel files coordinating stage operations on a destination directory.
// Only one stage may run per directory at a time; the in-progress file is
// the lock.
const (
	sentinelInProgress = "STAGING-IN-PROGRESS"
	sentinelSucceeded  = "STAGING-SUCCEEDED"
	sentinelErrors     = "STAGING-ERRORS"
)

// ErrStagingInProgress reports a second stage into a busy directory.
var ErrStagingInProgress = errors.New("a staging operation into this directory is already in progress")

// StageItem names one instance to copy: an absolute store prefix plus the
// instance's relative location.
type StageItem struct {
	StorePrefix string
	ParentDirs  string
	Name        string
}

// Stager validates and launches stage operations.
type Stager struct {
	logger *slog.Logger
	cfg    *config.StagingConfig
	cat    *catalog.Catalog
	mgr    *tasks.Manager

	lookupUser func(name string) error
	runChown   func(ctx context.Context, argv []string) error
}

// Option tweaks stager construction; tests stub out system interaction.
type Option func(*Stager)

// WithUserLookup substitutes local account validation.
func WithUserLookup(f func(name string) error) Option {
	return func(s *Stager) { s.lookupUser = f }
}

// WithChownRunner substitutes the external ownership handoff command.
func WithChownRunner(f func(ctx context.Context, argv []string) error) Option {
	return func(s *Stager) { s.runChown = f }
}

// New builds a stager. cfg must be non-nil; callers gate on the
// local_disk_staging config section being present.
func New(cfg *config.StagingConfig, cat *catalog.Catalog, mgr *tasks.Manager,
	logger *slog.Logger, opts ...Option) *Stager {
	s := &Stager{
		logger: logging.Default(logger).With("component", "staging"),
		cfg:    cfg,
		cat:    cat,
		mgr:    mgr,
		lookupUser: func(name string) error {
			_, err := user.Lookup(name)
			return err
		},
		runChown: runCommand,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func runCommand(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %v failed: %w (output: %s)",
			argv, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Launch validates the request, claims the destination directory, and
// submits the copy as a background task. It returns the resolved
// destination, the instance count, and the byte total.
func (s *Stager) Launch(ctx context.Context, userName, searchText, stageDest string) (string, int, int64, error) {
	if err := s.lookupUser(userName); err != nil {
		return "", 0, 0, fmt.Errorf("staging user name %q was not recognized by the system", userName)
	}

	dest, err := s.resolveDest(stageDest)
	if err != nil {
		return "", 0, 0, err
	}
	if err := EnsureDirsGW(dest); err != nil {
		return "", 0, 0, err
	}

	items, nBytes, err := s.collectItems(ctx, searchText)
	if err != nil {
		return "", 0, 0, err
	}

	// Claim the directory before submitting so a conflicting request fails
	// synchronously at the RPC boundary.
	if err := prepareDest(dest); err != nil {
		return "", 0, 0, err
	}

	task := &StagerTask{
		logger:       s.logger,
		dest:         dest,
		items:        items,
		bytes:        nBytes,
		user:         userName,
		chownCommand: s.cfg.ChownCommand,
		runChown:     s.runChown,
		started:      time.Now(),
	}
	if _, err := s.mgr.Submit(task); err != nil {
		releaseDest(dest, s.logger)
		return "", 0, 0, err
	}

	s.logger.Info("stage operation launched",
		"dest", dest, "user", userName, "instances", len(items), "bytes", nBytes)
	return dest, len(items), nBytes, nil
}

// resolveDest confines the destination inside the configured prefix.
func (s *Stager) resolveDest(stageDest string) (string, error) {
	if !filepath.IsAbs(stageDest) {
		stageDest = filepath.Join(s.cfg.DestPrefix, stageDest)
	}
	dest := filepath.Clean(stageDest)
	prefix := filepath.Clean(s.cfg.DestPrefix)
	if dest != prefix && !strings.HasPrefix(dest, prefix+string(filepath.Separator)) {
		return "", fmt.Errorf("staging destination must be a subdirectory of %q; got %q",
			s.cfg.DestPrefix, stageDest)
	}
	return dest, nil
}

// collectItems runs the search and keeps instances on stores attached to
// this host. Multiple instances of one file stage only once.
func (s *Stager) collectItems(ctx context.Context, searchText string) ([]StageItem, int64, error) {
	q, err := search.Compile(searchText, search.ModeInstancesStores)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.cat.InstancesWithStoresMatching(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, 0, err
	}

	var items []StageItem
	var nBytes int64
	seen := make(map[string]bool)
	for _, row := range rows {
		if !row.Store.Available || row.Store.SSHHost != s.cfg.SSHHost {
			continue
		}
		if seen[row.Instance.Name] {
			continue
		}
		seen[row.Instance.Name] = true

		f, err := s.cat.GetFile(ctx, row.Instance.Name)
		if err != nil {
			return nil, 0, err
		}
		nBytes += f.Size
		items = append(items, StageItem{
			StorePrefix: row.Store.PathPrefix,
			ParentDirs:  row.Instance.ParentDirs,
			Name:        row.Instance.Name,
		})
	}
	return items, nBytes, nil
}

// prepareDest takes the per-directory staging lock and clears stale result
// sentinels so this operation's outcome isn't confused with an old one.
func prepareDest(dest string) error {
	f, err := os.OpenFile(filepath.Join(dest, sentinelInProgress),
		os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o666)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrStagingInProgress, dest)
		}
		return err
	}
	fmt.Fprintln(f, time.Now().UTC().Format(time.RFC3339))
	f.Close()

	for _, base := range []string{sentinelSucceeded, sentinelErrors} {
		if err := os.Remove(filepath.Join(dest, base)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func releaseDest(dest string, logger *slog.Logger) {
	if err := os.Remove(filepath.Join(dest, sentinelInProgress)); err != nil {
		logger.Error("failed to remove staging lock", "dest", dest, "error", err)
	}
}

// StagerTask copies the staged files and hands them to the user. The
// destination lock is held from Launch until Wrapup.
type StagerTask struct {
	logger       *slog.Logger
	dest         string
	items        []StageItem
	bytes        int64
	user         string
	chownCommand []string
	runChown     func(ctx context.Context, argv []string) error
	started      time.Time

	failures []string
	finished time.Time
}

// Describe implements tasks.Task.
func (t *StagerTask) Describe() string {
	return fmt.Sprintf("stage %d bytes to %s", t.bytes, t.dest)
}

// Work implements tasks.Task. Per-item failures accumulate; the chown runs
// only when every copy landed.
func (t *StagerTask) Work(ctx context.Context) error {
	for _, item := range t.items {
		src := filepath.Join(item.StorePrefix, item.ParentDirs, item.Name)
		destDir := filepath.Join(t.dest, item.ParentDirs)
		dest := filepath.Join(destDir, item.Name)

		if err := EnsureDirsGW(destDir); err != nil {
			t.failures = append(t.failures, fmt.Sprintf("for %s: %v", destDir, err))
			continue
		}
		if err := CopyFileTree(src, dest); err != nil {
			t.failures = append(t.failures, fmt.Sprintf("for %s: %v", dest, err))
		}
	}
	if len(t.failures) > 0 {
		return fmt.Errorf("%d failures while staging files", len(t.failures))
	}

	argv := append(append([]string{}, t.chownCommand...),
		"-u", t.user, "-R", "-d", t.dest)
	return t.runChown(ctx, argv)
}

// Wrapup implements tasks.Task. It writes the result sentinel and always
// releases the in-progress lock.
func (t *StagerTask) Wrapup(workErr error) {
	t.finished = time.Now()
	defer releaseDest(t.dest, t.logger)

	if workErr != nil || len(t.failures) > 0 {
		var sb strings.Builder
		if workErr != nil {
			fmt.Fprintf(&sb, "staging failed: %v\n", workErr)
		}
		for _, f := range t.failures {
			fmt.Fprintln(&sb, f)
		}
		err := os.WriteFile(filepath.Join(t.dest, sentinelErrors), []byte(sb.String()), 0o664)
		if err != nil {
			t.logger.Error("failed to write staging error sentinel", "dest", t.dest, "error", err)
		}
		t.logger.Warn("stage operation failed",
			"dest", t.dest, "duration", t.finished.Sub(t.started), "failures", len(t.failures))
		return
	}

	content := t.finished.UTC().Format(time.RFC3339) + "\n"
	err := os.WriteFile(filepath.Join(t.dest, sentinelSucceeded), []byte(content), 0o664)
	if err != nil {
		t.logger.Error("failed to write staging success sentinel", "dest", t.dest, "error", err)
	}
	t.logger.Info("stage operation finished",
		"dest", t.dest, "duration", t.finished.Sub(t.started), "bytes", t.bytes)
}
