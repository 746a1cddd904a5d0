package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strconv"
	"strings"
)

// shell runs a command line through bash, locally or on a remote host.
type shell interface {
	// run executes the command and returns its stdout.
	run(ctx context.Context, command string) ([]byte, error)
	// stream executes the command and returns its stdout as a stream.
	stream(ctx context.Context, command string) (io.ReadCloser, error)
}

// localShell executes on the machine the librarian runs on.
type localShell struct{}

func (localShell) run(ctx context.Context, command string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("command %q failed: %w (stderr: %s)",
			command, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (localShell) stream(ctx context.Context, command string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &cmdStream{ReadCloser: out, cmd: cmd}, nil
}

// cmdStream reaps the child process when the caller closes the stream.
type cmdStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (s *cmdStream) Close() error {
	s.ReadCloser.Close()
	return s.cmd.Wait()
}

// quote wraps s in single quotes for safe interpolation into a bash
// command line.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellDriver implements Driver by running shell commands through sh.
// It serves both local and SSH stores.
type shellDriver struct {
	sh     shell
	prefix string
}

func newShellDriver(sh shell, prefix string) *shellDriver {
	return &shellDriver{sh: sh, prefix: prefix}
}

// fullPath prepends the store prefix. Store paths must be relative; an
// absolute path here means a caller is confused about which namespace it
// is in.
func (d *shellDriver) fullPath(storePath string) (string, error) {
	if path.IsAbs(storePath) {
		return "", fmt.Errorf("store path %q must not be absolute", storePath)
	}
	cleaned := path.Clean(storePath)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("store path %q escapes the store prefix", storePath)
	}
	return path.Join(d.prefix, cleaned), nil
}

func (d *shellDriver) Stat(ctx context.Context, storePath string) (PathInfo, error) {
	full, err := d.fullPath(storePath)
	if err != nil {
		return PathInfo{}, err
	}
	q := quote(full)

	// Three output lines: kind, size, digest. Directory digests hash the
	// sorted per-file digests so they are stable across hosts.
	cmd := fmt.Sprintf(
		`if [ -d %s ]; then
  echo directory
  du -bs %s | cut -f1
  (cd %s && find . -type f | LC_ALL=C sort | xargs -r -d '\n' md5sum | md5sum | cut -d' ' -f1)
elif [ -e %s ]; then
  echo file
  stat -c %%s %s
  md5sum %s | cut -d' ' -f1
else
  echo "no such path: %s" >&2
  exit 1
fi`, q, q, q, q, q, q, full)

	out, err := d.sh.run(ctx, cmd)
	if err != nil {
		return PathInfo{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 3 {
		return PathInfo{}, fmt.Errorf("unexpected stat output for %s: %q", storePath, out)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		return PathInfo{}, fmt.Errorf("bad size in stat output for %s: %w", storePath, err)
	}
	return PathInfo{
		Kind: Kind(strings.TrimSpace(lines[0])),
		Size: size,
		MD5:  strings.TrimSpace(lines[2]),
	}, nil
}

func (d *shellDriver) DF(ctx context.Context) (SpaceInfo, error) {
	out, err := d.sh.run(ctx, "df -B1 "+quote(d.prefix))
	if err != nil {
		return SpaceInfo{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return SpaceInfo{}, fmt.Errorf("unexpected df output: %q", out)
	}
	used, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return SpaceInfo{}, fmt.Errorf("bad df output: %w", err)
	}
	avail, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return SpaceInfo{}, fmt.Errorf("bad df output: %w", err)
	}
	return SpaceInfo{Used: used, Available: avail, Total: used + avail}, nil
}

const stagingArea = "staging"

func (d *shellDriver) Stage(ctx context.Context) (string, error) {
	area := path.Join(d.prefix, stagingArea)
	cmd := fmt.Sprintf("mkdir -p %s && mktemp -d %s",
		quote(area), quote(area+"/upload.XXXXXXXX"))
	out, err := d.sh.run(ctx, cmd)
	if err != nil {
		return "", err
	}
	full := strings.TrimSpace(string(out))
	rel := strings.TrimPrefix(full, d.prefix+"/")
	if rel == full || rel == "" {
		return "", fmt.Errorf("staging dir %q is outside store prefix %q", full, d.prefix)
	}
	return rel, nil
}

func (d *shellDriver) Commit(ctx context.Context, stagedPath, storePath string) error {
	staged, err := d.fullPath(stagedPath)
	if err != nil {
		return err
	}
	dest, err := d.fullPath(storePath)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf(
		"if [ -e %s ]; then echo EXISTS; else mkdir -p %s && mv %s %s; fi",
		quote(dest), quote(path.Dir(dest)), quote(staged), quote(dest))
	out, err := d.sh.run(ctx, cmd)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(out)) == "EXISTS" {
		return fmt.Errorf("commit %s: %w", storePath, ErrAlreadyExists)
	}
	return nil
}

func (d *shellDriver) Unstage(ctx context.Context, stagedPath string) error {
	// Only staging artifacts may be bulk-removed through this call.
	cleaned := path.Clean(stagedPath)
	if cleaned != stagingArea && !strings.HasPrefix(cleaned, stagingArea+"/") {
		return fmt.Errorf("refusing to unstage non-staging path %q", stagedPath)
	}
	full, err := d.fullPath(cleaned)
	if err != nil {
		return err
	}
	_, err = d.sh.run(ctx, "rm -rf "+quote(full))
	return err
}

func (d *shellDriver) Remove(ctx context.Context, storePath string) error {
	full, err := d.fullPath(storePath)
	if err != nil {
		return err
	}
	if path.Clean(full) == path.Clean(d.prefix) {
		return fmt.Errorf("refusing to remove the store prefix itself")
	}
	_, err = d.sh.run(ctx, "rm -rf "+quote(full))
	return err
}

func (d *shellDriver) Stream(ctx context.Context, storePath string) (io.ReadCloser, error) {
	full, err := d.fullPath(storePath)
	if err != nil {
		return nil, err
	}
	return d.sh.stream(ctx, "cat "+quote(full))
}

func (d *shellDriver) Upload(ctx context.Context, storePath, remoteDest string) error {
	full, err := d.fullPath(storePath)
	if err != nil {
		return err
	}
	// Recursive, batch mode, compressed, preserving times and modes.
	cmd := fmt.Sprintf("scp -rBCpq %s %s", quote(full), quote(remoteDest))
	_, err = d.sh.run(ctx, cmd)
	return err
}
