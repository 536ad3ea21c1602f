package cgroup

import (
	"os"
	"os/exec"
	"testing"
)

func TestContainmentPlaceAndRelease(t *testing.T) {
	if !isRoot() {
		t.Skip("must be root to run")
	}

	dir := t.TempDir()
	service, err := NewService(WithMountPath(dir))
	if err != nil {
		t.Fatalf("new service: %s", err)
	}
	defer service.Cleanup()

	containment := NewContainment(service, WithMemory(64*1024*1024))

	child := exec.Command("sleep", "5")
	if err := child.Start(); err != nil {
		t.Fatalf("start child: %s", err)
	}
	defer child.Process.Kill()

	release, err := containment.Place(child.Process.Pid, "task0")
	if err != nil {
		t.Fatalf("place: %s", err)
	}

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("stat mount dir: %s", err)
	}

	if _, ok := service.FindByLabel("task0"); !ok {
		t.Fatalf("expected to find cgroup by label before release")
	}

	if err := release(); err != nil {
		t.Fatalf("release: %s", err)
	}

	if _, ok := service.FindByLabel("task0"); ok {
		t.Fatalf("expected label lookup to fail after release")
	}
}
