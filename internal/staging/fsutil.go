package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// EnsureDirsGW creates path and any missing parents, making them
// group-writable, group-executable and setgid. The deepest directory gets
// the mode bits even when it already existed; parents that already existed
// are left alone.
func EnsureDirsGW(path string) error {
	return ensureDirsGW(path, false)
}

func ensureDirsGW(path string, parentMode bool) error {
	head, tail := filepath.Split(filepath.Clean(path))
	if tail == "" {
		head, _ = filepath.Split(filepath.Clean(head))
	}
	if head != "" && head != "/" {
		if err := ensureDirsGW(filepath.Clean(head), true); err != nil {
			return err
		}
	}

	// The group-write bit can be stripped by the umask, so mkdir's mode
	// argument isn't enough; a chmod must follow.
	tryChmod := !parentMode
	err := os.Mkdir(path, 0o775)
	switch {
	case err == nil:
		tryChmod = true
	case os.IsExist(err):
	case os.IsPermission(err):
		return fmt.Errorf("unable to create directory %q; its parent likely needs "+
			"group-write access (chmod g+wx %q)", path, filepath.Dir(path))
	default:
		return err
	}

	if tryChmod {
		st, err := os.Stat(path)
		if err != nil {
			return err
		}
		mode := st.Mode() | 0o070 | os.ModeSetgid
		if err := os.Chmod(path, mode); err != nil {
			return err
		}
	}
	return nil
}

// CopyFileTree copies src to dst, accepting either a file or a directory.
// dst is the final landing path, not a containing directory. Data is copied
// but modes are not preserved; new files become group-writable and new
// directories group-writable, group-executable and setgid, so users can
// manage the staged data themselves.
func CopyFileTree(src, dst string) error {
	st, err := os.Stat(src)
	if err != nil {
		return err
	}

	if !st.IsDir() {
		if err := copyFile(src, dst); err != nil {
			return err
		}
		dstInfo, err := os.Stat(dst)
		if err != nil {
			return err
		}
		return os.Chmod(dst, dstInfo.Mode()|0o220)
	}

	if err := os.Mkdir(dst, 0o775); err != nil {
		return err
	}
	dstInfo, err := os.Stat(dst)
	if err != nil {
		return err
	}
	if err := os.Chmod(dst, dstInfo.Mode()|0o330|os.ModeSetgid); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		err := CopyFileTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name()))
		if err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
