//go:build linux

package binding

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bullsequana/sabo/internal/logx"
)

type linuxAffinity struct {
	log *logx.Logger
}

func newPlatformAffinity(log *logx.Logger) Affinity {
	return &linuxAffinity{log: log}
}

func (a *linuxAffinity) Bind(osCoreID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(osCoreID)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		a.log.SysError("sched_setaffinity", err, "core=%d", osCoreID)
		return fmt.Errorf("binding: sched_setaffinity(core=%d): %w", osCoreID, err)
	}

	return nil
}
