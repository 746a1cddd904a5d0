// Package offload drains a store that is being decommissioned by migrating
// its uniquely-stored file instances to another store.
package offload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/logging"
	"github.com/hera-team/librarian/internal/store"
	"github.com/hera-team/librarian/internal/tasks"
)

// batchSize bounds how many instances one OffloaderTask migrates. Repeated
// initiate calls work through the rest.
const batchSize = 200

// Outcomes of an initiate call.
const (
	OutcomeTaskLaunched  = "task-launched"
	OutcomeStoreShutDown = "store-shut-down"
)

// copyFunc moves one instance's bytes from the source store into a staged
// path on the destination store.
type copyFunc func(ctx context.Context, src, dst *store.Entry, storePath, stagedPath string) error

// scpCopy runs the transfer from the source store host, landing in the
// destination's staging directory.
func scpCopy(ctx context.Context, src, dst *store.Entry, storePath, stagedPath string) error {
	dest := path.Join(dst.Store.PathPrefix, stagedPath) + "/"
	if dst.Store.SSHHost != "" {
		dest = dst.Store.SSHHost + ":" + dest
	}
	return src.Driver.Upload(ctx, storePath, dest)
}

// Offloader launches offload batches as background tasks.
type Offloader struct {
	logger *slog.Logger
	cat    *catalog.Catalog
	reg    *store.Registry
	mgr    *tasks.Manager
	copy   copyFunc
}

// Option tweaks offloader construction.
type Option func(*Offloader)

// WithCopyFunc substitutes the byte-moving step; tests avoid real scp.
func WithCopyFunc(f copyFunc) Option {
	return func(o *Offloader) { o.copy = f }
}

// New builds an offloader.
func New(cat *catalog.Catalog, reg *store.Registry, mgr *tasks.Manager, logger *slog.Logger, opts ...Option) *Offloader {
	o := &Offloader{
		logger: logging.Default(logger).With("component", "offload"),
		cat:    cat,
		reg:    reg,
		mgr:    mgr,
		copy:   scpCopy,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Initiate starts one offload batch from source to dest. When the source
// has no eligible instances left it is marked unavailable instead, and the
// outcome is store-shut-down.
func (o *Offloader) Initiate(ctx context.Context, sourceName, destName string) (outcome string, count int, err error) {
	src, ok := o.reg.Get(sourceName)
	if !ok {
		return "", 0, fmt.Errorf("no store named %q: %w", sourceName, catalog.ErrNotFound)
	}
	dst, ok := o.reg.Get(destName)
	if !ok {
		return "", 0, fmt.Errorf("no store named %q: %w", destName, catalog.ErrNotFound)
	}
	if sourceName == destName {
		return "", 0, fmt.Errorf("%w: cannot offload %q onto itself", catalog.ErrBadRequest, sourceName)
	}

	instances, err := o.cat.UniquelyStoredInstances(ctx, src.Store.ID, batchSize)
	if err != nil {
		return "", 0, err
	}

	if len(instances) == 0 {
		// Everything already has a copy elsewhere; the store is drained.
		if err := o.cat.SetStoreAvailable(ctx, sourceName, false); err != nil {
			return "", 0, err
		}
		o.reg.SetAvailable(sourceName, false)
		o.logger.Info("store drained, marked unavailable", "store", sourceName)
		return OutcomeStoreShutDown, 0, nil
	}

	task := &OffloaderTask{
		logger:    o.logger,
		cat:       o.cat,
		src:       src,
		dst:       dst,
		instances: instances,
		copy:      o.copy,
	}
	if _, err := o.mgr.Submit(task); err != nil {
		return "", 0, err
	}
	o.logger.Info("offload batch launched",
		"source", sourceName, "dest", destName, "count", len(instances))
	return OutcomeTaskLaunched, len(instances), nil
}

// OffloaderTask migrates one batch. The work phase only moves bytes; the
// wrapup flips deletion policies for the instances that made it across.
type OffloaderTask struct {
	logger    *slog.Logger
	cat       *catalog.Catalog
	src, dst  *store.Entry
	instances []catalog.FileInstance
	copy      copyFunc

	migrated []catalog.FileInstance
	failures []string
}

// Describe implements tasks.Task.
func (t *OffloaderTask) Describe() string {
	return fmt.Sprintf("offload %d instances from %s to %s",
		len(t.instances), t.src.Store.Name, t.dst.Store.Name)
}

// Work implements tasks.Task. Per-instance failures are collected rather
// than aborting the batch.
func (t *OffloaderTask) Work(ctx context.Context) error {
	for _, inst := range t.instances {
		if err := t.migrateOne(ctx, inst); err != nil {
			t.failures = append(t.failures,
				fmt.Sprintf("%s: %v", inst.StorePath(), err))
			continue
		}
		t.migrated = append(t.migrated, inst)
	}
	if len(t.migrated) == 0 && len(t.failures) > 0 {
		return fmt.Errorf("all %d transfers failed; first: %s",
			len(t.failures), t.failures[0])
	}
	return nil
}

func (t *OffloaderTask) migrateOne(ctx context.Context, inst catalog.FileInstance) error {
	storePath := inst.StorePath()

	staged, err := t.dst.Driver.Stage(ctx)
	if err != nil {
		return fmt.Errorf("stage on %s: %w", t.dst.Store.Name, err)
	}
	defer t.dst.Driver.Unstage(ctx, staged)

	if err := t.copy(ctx, t.src, t.dst, storePath, staged); err != nil {
		return fmt.Errorf("copy to %s: %w", t.dst.Store.Name, err)
	}

	err = t.dst.Driver.Commit(ctx, staged+"/"+inst.Name, storePath)
	if err != nil {
		// A copy that landed in an earlier crashed batch is fine; the
		// bytes are where we want them.
		if !isAlreadyExists(err) {
			return fmt.Errorf("commit on %s: %w", t.dst.Store.Name, err)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	return errors.Is(err, store.ErrAlreadyExists)
}

// Wrapup implements tasks.Task. It registers the destination instances and
// releases the source copies for deletion.
func (t *OffloaderTask) Wrapup(workErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, inst := range t.migrated {
		if _, err := t.cat.RegisterInstance(ctx, t.dst.Store.ID, inst.ParentDirs, inst.Name); err != nil {
			t.logger.Error("failed to register offloaded instance",
				"file", inst.Name, "store", t.dst.Store.Name, "error", err)
			continue
		}
		srcID := t.src.Store.ID
		err := t.cat.SetOneDeletionPolicy(ctx, inst.Name, catalog.DeletionAllowed, &srcID)
		if err != nil {
			t.logger.Error("failed to release source instance",
				"file", inst.Name, "store", t.src.Store.Name, "error", err)
		}
	}

	for _, f := range t.failures {
		t.logger.Warn("offload transfer failed", "detail", f)
	}
	t.logger.Info("offload batch finished",
		"source", t.src.Store.Name, "dest", t.dst.Store.Name,
		"migrated", len(t.migrated), "failed", len(t.failures))
}
