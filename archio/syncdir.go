package archio

import (
	"fmt"
	"os"
)

// SyncDir opens a directory and syncs its contents to disk, making newly
// created files in it durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %v", err)
	}
	err = d.Sync()
	if xerr := d.Close(); err == nil && xerr != nil {
		err = fmt.Errorf("closing directory after sync: %v", xerr)
	}
	return err
}
