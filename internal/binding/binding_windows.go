//go:build windows

package binding

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/bullsequana/sabo/internal/logx"
)

type windowsAffinity struct {
	log *logx.Logger
}

func newPlatformAffinity(log *logx.Logger) Affinity {
	return &windowsAffinity{log: log}
}

func (a *windowsAffinity) Bind(osCoreID int) error {
	if osCoreID < 0 || osCoreID >= 64 {
		return fmt.Errorf("binding: core id %d out of range for a single affinity mask", osCoreID)
	}

	handle := windows.CurrentThread()
	mask := uintptr(1) << uint(osCoreID)

	if _, err := windows.SetThreadAffinityMask(handle, mask); err != nil {
		a.log.SysError("SetThreadAffinityMask", err, "core=%d", osCoreID)
		return fmt.Errorf("binding: SetThreadAffinityMask(core=%d): %w", osCoreID, err)
	}

	return nil
}
