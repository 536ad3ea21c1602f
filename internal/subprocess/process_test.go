package subprocess

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	ferrors "github.com/fluxcore/jobctl/internal/errors"
)

func TestExecBackgroundWaitable(t *testing.T) {
	s := NewServer("test", nil)
	defer s.Close()

	ctx := context.Background()
	var started int
	p, err := s.Exec(ctx, ClientKey{Route: "c1"}, "", Cmd{Cmdline: []string{"/bin/sh", "-c", "exit 7"}}, Waitable, nil, func(typ string, pid int, status int) {
		if typ == "started" {
			started++
		}
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if started != 1 {
		t.Fatalf("expected exactly one started callback; actual: %d", started)
	}

	status, err := s.Wait(ctx, p.PID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status != 7 {
		t.Fatalf("unexpected exit status; actual: %d", status)
	}

	list := s.List()
	for _, info := range list {
		if info.PID == p.PID {
			t.Fatalf("expected waited process to be absent from list")
		}
	}
}

func TestExecForegroundStreamsOutput(t *testing.T) {
	s := NewServer("test", nil)
	defer s.Close()

	var mu sync.Mutex
	var lines []string
	finished := make(chan int, 1)

	_, err := s.Exec(context.Background(), ClientKey{Route: "c1"}, "", Cmd{Cmdline: []string{"/bin/echo", "hello"}}, Stdout,
		func(stream string, data []byte, eof bool) {
			if len(data) > 0 {
				mu.Lock()
				lines = append(lines, string(data))
				mu.Unlock()
			}
		},
		func(typ string, pid int, status int) {
			if typ == "finished" {
				finished <- status
			}
		},
	)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}

	select {
	case status := <-finished:
		if status != 0 {
			t.Fatalf("unexpected exit status; actual: %d", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for finished")
	}
}

func TestDisconnectKillsForeground(t *testing.T) {
	s := NewServer("test", nil)
	defer s.Close()

	client := ClientKey{Route: "c2"}
	finished := make(chan int, 1)
	p, err := s.Exec(context.Background(), client, "", Cmd{Cmdline: []string{"/bin/sleep", "30"}}, Stdout,
		func(stream string, data []byte, eof bool) {},
		func(typ string, pid int, status int) {
			if typ == "finished" {
				finished <- status
			}
		},
	)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}

	s.Disconnect(client)

	select {
	case status := <-finished:
		if status != 128+int(syscall.SIGKILL) {
			t.Fatalf("unexpected exit status after disconnect kill; actual: %d", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for disconnected process to be killed, pid %d", p.PID)
	}
}

func TestKillUnknownProcessNotFound(t *testing.T) {
	s := NewServer("test", nil)
	defer s.Close()

	if err := s.Kill(999999, syscall.SIGTERM); err == nil {
		t.Fatalf("expected error killing unknown pid")
	}
}

func TestAdmissionRejection(t *testing.T) {
	s := NewServer("test", func(client ClientKey, cmd Cmd) error {
		return ferrors.New(ferrors.Permission, "not authorized")
	})
	defer s.Close()

	_, err := s.Exec(context.Background(), ClientKey{Route: "c3"}, "", Cmd{Cmdline: []string{"/bin/true"}}, 0, nil, nil)
	if err == nil {
		t.Fatalf("expected admission rejection")
	}
}
