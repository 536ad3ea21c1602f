package shell

import (
	"testing"

	"github.com/fluxcore/jobctl/internal/jobid"
)

func testJobID(t *testing.T) jobid.ID {
	t.Helper()
	id, err := jobid.New(1700000000, 7)
	if err != nil {
		t.Fatalf("new jobid: %v", err)
	}
	return id
}

func TestRenderBuiltinTags(t *testing.T) {
	id := testJobID(t)
	ctx := RenderContext{
		JobID:     id,
		JobName:   "mpirun",
		NNodes:    4,
		NTasks:    16,
		TaskID:    5,
		TaskIndex: 1,
		NodeInfo: map[string]interface{}{
			"resources": map[string]interface{}{"cores": "0-3", "ncores": float64(4)},
		},
	}

	out, err := Render("{{name}} nnodes={{nnodes}} ntasks={{size}} rank={{task.id}} local={{task.localid}} cores={{node.cores}} ncores={{node.ncores}}", ctx)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	expected := "mpirun nnodes=4 ntasks=16 rank=5 local=1 cores=0-3 ncores=4"
	if out != expected {
		t.Fatalf("unexpected render; actual: %q, expected: %q", out, expected)
	}
}

func TestRenderIDForms(t *testing.T) {
	id := testJobID(t)
	ctx := RenderContext{JobID: id}

	forms := map[string]string{
		"{{id}}":         id.F58(),
		"{{id.dec}}":     id.Dec(),
		"{{id.hex}}":     id.Hex(),
		"{{id.f58}}":     id.F58(),
		"{{jobid[dec]}}": id.Dec(),
	}
	for tmpl, expected := range forms {
		out, err := Render(tmpl, ctx)
		if err != nil {
			t.Fatalf("render %s: %v", tmpl, err)
		}
		if out != expected {
			t.Fatalf("unexpected render for %s; actual: %q, expected: %q", tmpl, out, expected)
		}
	}
}

func TestRenderNameFallsBackToArgv0ThenUnknown(t *testing.T) {
	ctx := RenderContext{Argv0: "/usr/bin/hostname"}
	out, err := Render("{{name}}", ctx)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "hostname" {
		t.Fatalf("unexpected name; actual: %s", out)
	}

	out, err = Render("{{name}}", RenderContext{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "unknown" {
		t.Fatalf("unexpected fallback name; actual: %s", out)
	}
}

func TestRenderUnknownTagWithoutPluginLeavesTagAndErrors(t *testing.T) {
	out, err := Render("prefix-{{mystery}}-suffix", RenderContext{})
	if err == nil {
		t.Fatalf("expected ENOENT-equivalent error")
	}
	if out != "prefix-{{mystery}}-suffix" {
		t.Fatalf("expected unresolved tag left in place; actual: %s", out)
	}
}

func TestRenderUnknownTagDispatchesToPlugin(t *testing.T) {
	p := NewPlugstack()
	p.Push("greeter", Plugin{Name: "greeter", Handlers: map[string]Handler{
		"mustache.render.greeting": func(topic string, args Args) error {
			args["result"] = "hello"
			return nil
		},
	}})

	ctx := RenderContext{Plugstack: p}
	out, err := Render("{{greeting}}, world", ctx)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "hello, world" {
		t.Fatalf("unexpected render; actual: %s", out)
	}
}
