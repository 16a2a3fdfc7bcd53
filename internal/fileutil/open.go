package fileutil

import "os"

// OpenToRead opens a file for reads. Callers must close it.
func OpenToRead(fpath string) (*os.File, error) {
	return os.OpenFile(fpath, os.O_RDONLY, PrivateFileMode)
}

// OpenToAppend opens a file for appends, creating it if absent. Callers must close it.
func OpenToAppend(fpath string) (*os.File, error) {
	return os.OpenFile(fpath, os.O_RDWR|os.O_APPEND|os.O_CREATE, PrivateFileMode)
}
