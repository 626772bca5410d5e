//go:build windows

package process

import (
	"os"

	gps "github.com/shirou/gopsutil/v4/process"
)

// Windows has no SIGTERM for console children outside our console, so both
// the graceful and the forced path terminate the tree.
func terminateGroup(pid int) error { return killTree(int32(pid)) }

func killGroup(pid int) error { return killTree(int32(pid)) }

func killTree(pid int32) error {
	p, err := gps.NewProcess(pid)
	if err != nil {
		return nil
	}
	if children, err := p.Children(); err == nil {
		for _, c := range children {
			_ = killTree(c.Pid)
		}
	}
	if err := p.Kill(); err != nil {
		if ok, _ := gps.PidExists(pid); !ok {
			return nil
		}
		return err
	}
	return nil
}

func exitStatus(st *os.ProcessState) int { return st.ExitCode() }
