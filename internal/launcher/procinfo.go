package launcher

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// ProcInfo describes the image a target pid is currently running.
type ProcInfo struct {
	PID     int
	Name    string
	Exe     string
	Cmdline string
	Started time.Time
}

// Describe inspects pid. Fields that cannot be read stay empty.
func Describe(pid int) (ProcInfo, error) {
	info := ProcInfo{PID: pid}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return info, err
	}
	if name, err := p.Name(); err == nil {
		info.Name = name
	}
	if exe, err := p.Exe(); err == nil {
		info.Exe = exe
	}
	if cmdline, err := p.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}
	if ms, err := p.CreateTime(); err == nil && ms > 0 {
		info.Started = time.UnixMilli(ms)
	} else if sec := procStartUnix(pid); sec > 0 {
		info.Started = time.Unix(sec, 0)
	}
	return info, nil
}

// procStartUnix reads the start time of pid from /proc as Unix seconds.
// Returns 0 when unavailable.
func procStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	// comm may contain spaces; fields resume after the last ") "
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	parts := strings.Fields(line[end+2:])
	// starttime is field 22 overall, index 19 after comm
	if len(parts) < 20 {
		return 0
	}
	startTicks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || startTicks <= 0 {
		return 0
	}
	btime := bootTime()
	if btime == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + startTicks/clk
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil {
				return bt
			}
		}
	}
	return 0
}

// exePath returns the resolved /proc/<pid>/exe link.
func exePath(pid int) (string, error) {
	return os.Readlink("/proc/" + strconv.Itoa(pid) + "/exe")
}
