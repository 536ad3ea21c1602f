package cgroup

import "fmt"

// Containment adapts a Service into the subprocess package's Containment
// seam: each Place call gets its own disposable cgroup, so a process table
// entry's resource scope is torn down independently of every other.
type Containment struct {
	Service *Service
	Options []CgroupOption
}

// NewContainment wraps svc, applying opts (memory/cpu/disk limits) to every
// cgroup it creates.
func NewContainment(svc *Service, opts ...CgroupOption) *Containment {
	return &Containment{Service: svc, Options: opts}
}

// Place creates a fresh cgroup labeled with the subprocess's task label
// (so it can later be found via Service.FindByLabel), adds pid to it, and
// returns a func that removes the cgroup once the process has been reaped.
func (c *Containment) Place(pid int, label string) (func() error, error) {
	opts := c.Options
	if label != "" {
		opts = append(append([]CgroupOption{}, c.Options...), WithLabel(label))
	}
	cg, err := c.Service.CreateCgroup(opts...)
	if err != nil {
		return nil, fmt.Errorf("containment create cgroup: %w", err)
	}
	if err := c.Service.PlaceInCgroup(*cg, pid); err != nil {
		return nil, fmt.Errorf("containment place pid %d: %w", pid, err)
	}
	return func() error {
		return c.Service.RemoveCgroup(cg.ID)
	}, nil
}
