//go:build !unix

package filelock

import (
	"context"
	"os"
)

func lockFile(context.Context, *os.File, bool, bool, *Options) error {
	return ErrUnsupported
}

func unlockFile(*os.File) error {
	return ErrUnsupported
}

func tryExclusive(*os.File) (bool, error) {
	return false, ErrUnsupported
}

func checkWritable(string) error {
	return nil
}

func fileInode(string) (uint64, error) {
	return 0, ErrUnsupported
}
