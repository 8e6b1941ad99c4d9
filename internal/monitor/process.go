package monitor

import (
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// Sample is one resource reading for a worker and its descendants.
type Sample struct {
	CPUPercent float64
	RSSBytes   uint64
}

// Sampler reads resource usage of a process tree.
type Sampler interface {
	Sample(pid int) (Sample, error)
	// Forget drops cached state for pids that are no longer tracked.
	Forget(keep map[int]bool)
}

// ProcSampler samples through gopsutil. CPU percentages are measured
// between consecutive calls for the same pid, so the first reading of a
// process is 0.
type ProcSampler struct {
	mu    sync.Mutex
	procs map[int32]*process.Process
	roots map[int32]map[int32]bool
}

func NewProcSampler() *ProcSampler {
	return &ProcSampler{
		procs: make(map[int32]*process.Process),
		roots: make(map[int32]map[int32]bool),
	}
}

func (s *ProcSampler) Sample(pid int) (Sample, error) {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return Sample{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tree := []*process.Process{s.cached(root)}
	members := map[int32]bool{root.Pid: true}
	for i := 0; i < len(tree); i++ {
		children, err := tree[i].Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			if members[c.Pid] {
				continue
			}
			members[c.Pid] = true
			tree = append(tree, s.cached(c))
		}
	}

	var out Sample
	for i, p := range tree {
		mem, err := p.MemoryInfo()
		if err != nil {
			if i == 0 {
				return Sample{}, err
			}
			continue
		}
		out.RSSBytes += mem.RSS
		if pct, err := p.Percent(0); err == nil {
			out.CPUPercent += pct
		}
	}

	for old := range s.roots[root.Pid] {
		if !members[old] {
			delete(s.procs, old)
		}
	}
	s.roots[root.Pid] = members
	return out, nil
}

func (s *ProcSampler) cached(p *process.Process) *process.Process {
	if c, ok := s.procs[p.Pid]; ok {
		return c
	}
	s.procs[p.Pid] = p
	return p
}

func (s *ProcSampler) Forget(keep map[int]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for root, members := range s.roots {
		if keep[int(root)] {
			continue
		}
		for pid := range members {
			delete(s.procs, pid)
		}
		delete(s.roots, root)
	}
}
