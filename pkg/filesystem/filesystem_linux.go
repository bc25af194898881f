//go:build linux

package filesystem

import "fmt"

func (f *Filesystem) mountOptions() []string {
	opts := []string{
		"-o", "ro",
		"-o", "fsname=soundfs",
		"-o", "default_permissions",
		"-o", fmt.Sprintf("entry_timeout=%g", f.config.EntryTimeout.Seconds()),
		"-o", fmt.Sprintf("attr_timeout=%g", f.config.AttrTimeout.Seconds()),
		"-o", "negative_timeout=1",
		"-o", "max_read=1048576", // 1MB max read size
	}
	if f.config.AllowOther {
		opts = append(opts, "-o", "allow_other")
	}
	return opts
}
