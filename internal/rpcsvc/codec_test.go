package rpcsvc

import "testing"

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	if c.Name() != "json" {
		t.Fatalf("unexpected codec name: %s", c.Name())
	}

	req := &ExecRequest{Label: "task0", Cmdline: []string{"/bin/true"}}
	b, err := c.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out ExecRequest
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Label != req.Label || len(out.Cmdline) != 1 || out.Cmdline[0] != "/bin/true" {
		t.Fatalf("unexpected round trip; actual: %+v", out)
	}
}
