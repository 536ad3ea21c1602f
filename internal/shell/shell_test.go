package shell

import (
	"context"
	"testing"
	"time"

	"github.com/fluxcore/jobctl/internal/jobid"
	"github.com/fluxcore/jobctl/internal/subprocess"
)

func TestShellRunSingleRankExecutesTasks(t *testing.T) {
	id, err := jobid.New(1700000001, 1)
	if err != nil {
		t.Fatalf("new jobid: %v", err)
	}

	server := subprocess.NewServer("shell-test", nil)
	defer server.Close()

	info := Info{
		JobID:     id,
		Rank:      0,
		ShellSize: 1,
		NNodes:    1,
		NTasks:    1,
		TaskIDs:   []int{0},
	}

	plugstack := NewPlugstack()
	var exitRan bool
	plugstack.Push("test", Plugin{Name: "test", Handlers: map[string]Handler{
		"task.exit": func(topic string, args Args) error {
			exitRan = true
			return nil
		},
	}})

	barrier := NewBarrier(1, nil, nil)
	sh := New(info, plugstack, barrier, server, nil)

	if _, err := sh.BuildTasks([]string{"/bin/sh", "-c", "exit 3"}, map[string]string{}); err != nil {
		t.Fatalf("build tasks: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc, err := sh.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rc != 3 {
		t.Fatalf("unexpected exit code; actual: %d", rc)
	}
	if !exitRan {
		t.Fatalf("expected task.exit plugin to run")
	}
}

func TestShellRunMaxRCAcrossMultipleTasks(t *testing.T) {
	id, err := jobid.New(1700000002, 2)
	if err != nil {
		t.Fatalf("new jobid: %v", err)
	}

	server := subprocess.NewServer("shell-test-multi", nil)
	defer server.Close()

	info := Info{
		JobID:     id,
		Rank:      0,
		ShellSize: 1,
		NNodes:    1,
		NTasks:    2,
		TaskIDs:   []int{0, 1},
	}

	plugstack := NewPlugstack()
	barrier := NewBarrier(1, nil, nil)
	sh := New(info, plugstack, barrier, server, nil)

	argvByTask := map[int][]string{
		0: {"/bin/sh", "-c", "exit 1"},
		1: {"/bin/sh", "-c", "exit 5"},
	}
	if _, err := sh.BuildTasks([]string{"placeholder"}, map[string]string{}); err != nil {
		t.Fatalf("build tasks: %v", err)
	}
	for _, task := range sh.tasks {
		task.Cmdline = argvByTask[task.Rank]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc, err := sh.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rc != 5 {
		t.Fatalf("expected max exit code 5; actual: %d", rc)
	}
}
