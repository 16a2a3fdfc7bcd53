// Package fileutil provides small durable-file helpers used by meta and
// binlog persistence.
package fileutil

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
)

const (
	// PrivateFileMode grants owner read/write on a file.
	PrivateFileMode = 0600

	// PrivateDirMode grants owner read/write/execute on a directory.
	PrivateDirMode = 0700
)

// DirWritable returns nil if dir is writable.
func DirWritable(dir string) error {
	f := filepath.Join(dir, ".touch")
	if err := ioutil.WriteFile(f, []byte(""), PrivateFileMode); err != nil {
		return err
	}
	return os.Remove(f)
}

// ReadDir returns the filenames in the given directory in sorted order.
func ReadDir(dir string) ([]string, error) {
	d, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	ns, err := d.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(ns)
	return ns, nil
}

// MkdirAll runs os.MkdirAll with a writable check.
func MkdirAll(dir string) error {
	if err := os.MkdirAll(dir, PrivateDirMode); err != nil {
		return err
	}
	return DirWritable(dir)
}

// ExistFileOrDir returns true if the file or directory exists.
func ExistFileOrDir(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// DirHasFiles returns true only when the directory exists and is non-empty.
func DirHasFiles(dir string) bool {
	ns, err := ReadDir(dir)
	if err != nil {
		return false
	}
	return len(ns) != 0
}

// WriteSync behaves like ioutil.WriteFile but calls Sync before closing,
// so the data is durable if no error is returned.
func WriteSync(fpath string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	n, err := f.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = f.Sync()
	}
	if e := f.Close(); err == nil {
		err = e
	}
	return err
}

// AppendSync opens fpath for append (creating it if needed), writes
// line, adding a trailing newline if it has none, and syncs before
// closing.
func AppendSync(fpath string, line string) error {
	f, err := OpenToAppend(fpath)
	if err != nil {
		return err
	}

	if !hasTrailingNewline(line) {
		line += "\n"
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func hasTrailingNewline(s string) bool {
	return len(s) > 0 && s[len(s)-1] == '\n'
}
