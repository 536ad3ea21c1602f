package rpcsvc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"net"
	"testing"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/fluxcore/jobctl/internal/broker"
	"github.com/fluxcore/jobctl/internal/eventlog"
	"github.com/fluxcore/jobctl/internal/jobinfo"
	"github.com/fluxcore/jobctl/internal/subprocess"
)

func withFakePeer(ctx context.Context) context.Context {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: "1000"}}
	return peer.NewContext(ctx, &peer.Peer{
		Addr: &net.TCPAddr{},
		AuthInfo: credentials.TLSInfo{
			State: tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}},
		},
	})
}

func newTestServer(t *testing.T) (*Server, broker.Store) {
	t.Helper()
	store, err := broker.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	owners, err := jobinfo.NewOwnerCache()
	if err != nil {
		t.Fatalf("new owner cache: %v", err)
	}
	sub := subprocess.NewServer("rpcsvc-test", nil)
	t.Cleanup(sub.Close)

	return &Server{
		Store:           store,
		Owners:          owners,
		Updates:         jobinfo.NewUpdateCache(),
		Subprocess:      sub,
		IsInstanceOwner: func(ctx context.Context) bool { return true },
	}, store
}

func TestServerExecWriteListWait(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	resp, err := s.Exec(ctx, &ExecRequest{Label: "task0", Cmdline: []string{"/bin/sh", "-c", "exit 0"}, Waitable: true})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if resp.PID == 0 {
		t.Fatalf("expected nonzero pid")
	}

	listResp, err := s.List(ctx, &Empty{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listResp.Procs) != 1 || listResp.Procs[0].Label != "task0" {
		t.Fatalf("unexpected list response: %+v", listResp)
	}

	waitResp, err := s.Wait(ctx, &WaitRequest{PID: resp.PID})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if waitResp.ExitStatus != 0 {
		t.Fatalf("unexpected exit status: %d", waitResp.ExitStatus)
	}
}

func TestServerLookupFallsBackToDirectRead(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	entry := eventlog.BuildEntry(1.0, "submit", json.RawMessage(`{"userid":1000}`))
	b, err := eventlog.EncodeEntry(entry)
	if err != nil {
		t.Fatalf("encode entry: %v", err)
	}
	txn := store.Txn()
	txn.Append(jobinfo.MainEventlogPath("j1"), b)
	txn.Append("job.j1.R", []byte(`{"execution":{"expiration":0}}`))
	if err := store.Commit(txn).Wait(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	resp, err := s.Lookup(withFakePeer(ctx), &LookupRequest{JobID: "j1", Key: "R"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if resp.Userid != 1000 {
		t.Fatalf("unexpected owner; actual: %d", resp.Userid)
	}
}
