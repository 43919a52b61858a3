package accounting

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessTree samples resource usage of a process and its descendants.
// Values are valid after the most recent successful Update.
type ProcessTree interface {
	Update() error
	CumulativeCPUMillis() int64
	RSSBytes() int64
	VirtualBytes() int64
}

// ErrProcessTreeUnavailable means resource sampling is not supported here.
var ErrProcessTreeUnavailable = errors.New("process tree sampler unavailable")

type psTree struct {
	root *process.Process

	cpuMillis int64
	rss       int64
	vmem      int64
}

// NewProcessTree returns a sampler rooted at pid. A pid of 0 means the
// current process.
func NewProcessTree(pid int) (ProcessTree, error) {
	if pid == 0 {
		pid = os.Getpid()
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessTreeUnavailable, err)
	}
	if _, err := p.Times(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessTreeUnavailable, err)
	}
	return &psTree{root: p}, nil
}

func (t *psTree) members() []*process.Process {
	procs := []*process.Process{t.root}
	for i := 0; i < len(procs); i++ {
		children, err := procs[i].Children()
		if err != nil {
			continue
		}
		procs = append(procs, children...)
	}
	return procs
}

func (t *psTree) Update() error {
	var cpuMillis, rss, vmem int64

	for _, p := range t.members() {
		times, err := p.Times()
		if err != nil {
			if p == t.root {
				return fmt.Errorf("failed to sample cpu times: %w", err)
			}
			// Descendant exited between listing and sampling.
			continue
		}
		cpuMillis += int64((times.User + times.System) * 1000)

		mem, err := p.MemoryInfo()
		if err != nil {
			continue
		}
		rss += int64(mem.RSS)
		vmem += int64(mem.VMS)
	}

	t.cpuMillis = cpuMillis
	t.rss = rss
	t.vmem = vmem
	return nil
}

func (t *psTree) CumulativeCPUMillis() int64 { return t.cpuMillis }
func (t *psTree) RSSBytes() int64            { return t.rss }
func (t *psTree) VirtualBytes() int64        { return t.vmem }

func (t *psTree) String() string {
	return fmt.Sprintf("gopsutil(pid=%d)", t.root.Pid)
}
