//go:build !windows

package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// setProcessGroup configures cmd to start in its own process group, so a
// signal to -pid reaches every descendant the child itself spawns.
func setProcessGroup(attr *syscall.SysProcAttr) {
	attr.Setpgid = true
}

// signalGroup sends sig to every process in pgid's process group.
func signalGroup(pgid int, sig syscall.Signal) error {
	return syscall.Kill(-pgid, sig)
}

// processExists does a zero-signal liveness probe, used at startup to
// detect a stale pid file (§4.9).
func processExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// processGroupPids enumerates the pids sharing pgid, by scanning /proc —
// the Go analogue of procfs::process::all_processes in pueue_lib's
// process_helper, used for signal-descendants (§4.7).
func processGroupPids(pgid int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	var pids []int
	for _, entry := range entries {
		pid, err := parsePid(entry.Name())
		if err != nil {
			continue
		}
		stat, err := readStatPgid(pid)
		if err != nil {
			continue
		}
		if stat == pgid {
			pids = append(pids, pid)
		}
	}
	return pids
}

func parsePid(name string) (int, error) {
	return strconv.Atoi(name)
}

// readStatPgid reads the process group id (field 5) out of
// /proc/<pid>/stat. The comm field (2) may itself contain spaces or
// parens, so the scan starts after the last ')'.
func readStatPgid(pid int) (int, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}

	line := string(data)
	idx := strings.LastIndex(line, ")")
	if idx < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(line[idx+1:])
	// fields[0] = state, fields[1] = ppid, fields[2] = pgrp
	if len(fields) < 3 {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	return strconv.Atoi(fields[2])
}
