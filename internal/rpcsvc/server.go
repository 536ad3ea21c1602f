package rpcsvc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"

	"github.com/fluxcore/jobctl/internal/broker"
	ferrors "github.com/fluxcore/jobctl/internal/errors"
	"github.com/fluxcore/jobctl/internal/jobinfo"
	"github.com/fluxcore/jobctl/internal/log"
	"github.com/fluxcore/jobctl/internal/metrics"
	"github.com/fluxcore/jobctl/internal/sdexec"
	"github.com/fluxcore/jobctl/internal/subprocess"
)

var logger = log.New(os.Stdout, "rpcsvc")

// Server implements Handlers over a broker.Store-backed job-info surface
// and a subprocess.Server-backed exec surface, the same pairing
// flux-jobinfo and flux-rexec expose as two separate daemons.
type Server struct {
	Store       broker.Store
	Owners      *jobinfo.OwnerCache
	Updates     *jobinfo.UpdateCache
	Subprocess  *subprocess.Server
	// SDExec, when set, is used instead of Subprocess for any ExecRequest
	// whose Opts["backend"] is "sdexec" -- running the command as a
	// systemd transient unit rather than a direct fork/exec child.
	SDExec          *sdexec.Backend
	IsInstanceOwner func(ctx context.Context) bool
}

var _ Handlers = (*Server)(nil)

// NewGRPCServer builds a *grpc.Server with the JSON codec forced (no
// protoc-generated stubs participate) and mTLS from tlsConfig, exactly as
// the teacher's cli/serve.go wires grpc.Creds(credentials.NewTLS(...)).
func NewGRPCServer(tlsConfig *tls.Config, handlers *Server) *grpc.Server {
	srv := grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsConfig)),
		grpc.ForceServerCodec(jsonCodec{}),
	)
	srv.RegisterService(&ServiceDesc, handlers)
	return srv
}

// Serve listens on addr and blocks serving srv, matching the teacher's
// cli/serve.go net.Listen+Serve shape.
func Serve(srv *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return ferrors.Wrapf(err, "listen on %s", addr)
	}
	defer lis.Close()

	logger.Infof("serving rpcsvc; addr: %s", addr)
	if err := srv.Serve(lis); err != nil {
		logger.Errorf("serve; addr: %s, error: %v", addr, err)
		return err
	}
	return nil
}

// requesterUserid extracts the caller's identity the way the teacher's
// grpc/user.go reads it from the mTLS peer certificate; here it is reduced
// to the certificate subject's CommonName parsed as a decimal userid.
func requesterUserid(ctx context.Context) (int, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return 0, status.Error(codes.Unauthenticated, "no peer info")
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(info.State.PeerCertificates) == 0 {
		return 0, status.Error(codes.Unauthenticated, "no client certificate")
	}
	var userid int
	if _, err := fmt.Sscanf(info.State.PeerCertificates[0].Subject.CommonName, "%d", &userid); err != nil {
		return 0, status.Error(codes.Unauthenticated, "certificate CommonName is not a userid")
	}
	return userid, nil
}

func (s *Server) Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error) {
	metrics.Lookups.Inc()

	userid, err := requesterUserid(ctx)
	if err != nil {
		return nil, err
	}

	if obj, owner, ok := s.Updates.Lookup(req.JobID, req.Key); ok {
		metrics.UpdateLookups.Inc()
		allowed, err := s.Owners.Allow(ctx, s.Store, req.JobID, s.isOwner(ctx), userid)
		if err != nil || !allowed {
			return nil, status.Error(codes.PermissionDenied, "not authorized")
		}
		return &LookupResponse{Object: obj, Userid: owner}, nil
	}

	allowed, err := s.Owners.Allow(ctx, s.Store, req.JobID, s.isOwner(ctx), userid)
	if err != nil {
		return nil, status.Error(codes.NotFound, "unknown job")
	}
	if !allowed {
		return nil, status.Error(codes.PermissionDenied, "not authorized")
	}

	b, err := s.Store.Get(ctx, "job."+req.JobID+"."+req.Key)
	if err != nil {
		return nil, status.Error(codes.NotFound, "key not found")
	}
	owner, _ := s.Owners.Owner(ctx, s.Store, req.JobID)
	return &LookupResponse{Object: b, Userid: owner}, nil
}

func (s *Server) isOwner(ctx context.Context) bool {
	if s.IsInstanceOwner == nil {
		return false
	}
	return s.IsInstanceOwner(ctx)
}

func (s *Server) EventlogWatch(ctx context.Context, req *WatchRequest, stream grpc.ServerStream) error {
	events, cancel, err := jobinfo.Watch(ctx, s.Store, jobinfo.WatchRequest{
		JobID: req.JobID, Path: req.Path, WaitCreate: req.WaitCreate,
	})
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer cancel()

	for ev := range events {
		if ev.Err != nil {
			if ferrors.Is(ev.Err, ferrors.NoData) {
				return stream.SendMsg(&StreamEvent{NoData: true})
			}
			return status.Error(codes.Internal, ev.Err.Error())
		}
		if err := stream.SendMsg(&StreamEvent{Line: ev.Line}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) UpdateWatch(ctx context.Context, req *WatchRequest, stream grpc.ServerStream) error {
	watcher := s.Updates.Subscribe(ctx, s.Store, req.JobID, req.Key)
	ch, unsub := watcher.Listen()
	defer unsub()

	if obj, userid, ok := watcher.Snapshot(); ok {
		if err := stream.SendMsg(&StreamEvent{Object: obj, Userid: userid}); err != nil {
			return err
		}
	}

	for update := range ch {
		if update.Err != nil {
			if ferrors.Is(update.Err, ferrors.NoData) {
				return stream.SendMsg(&StreamEvent{NoData: true})
			}
			return status.Error(codes.Internal, update.Err.Error())
		}
		if err := stream.SendMsg(&StreamEvent{Object: update.Object}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) Exec(ctx context.Context, req *ExecRequest) (*ExecResponse, error) {
	if s.SDExec != nil && req.Opts["backend"] == "sdexec" {
		return s.execViaSDExec(ctx, req)
	}
	if s.Subprocess == nil {
		return nil, status.Error(codes.Unimplemented, "this endpoint does not serve subprocess exec")
	}

	var flags subprocess.Flags
	if req.Stdout {
		flags |= subprocess.Stdout
	}
	if req.Stderr {
		flags |= subprocess.Stderr
	}
	if req.Chan {
		flags |= subprocess.Chan
	}
	if req.Waitable {
		flags |= subprocess.Waitable
	}

	client := clientKeyFromContext(ctx)
	p, err := s.Subprocess.Exec(ctx, client, req.Label, subprocess.Cmd{
		Cwd: req.Cwd, Cmdline: req.Cmdline, Env: req.Env, Opts: req.Opts,
	}, flags, nil, nil)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &ExecResponse{PID: p.PID, Label: p.Label}, nil
}

// execViaSDExec runs req as a systemd transient unit through s.SDExec,
// blocking until the unit's ExecMainPID is observed (or it fails to start)
// so the response carries a real PID the way the direct-exec path does.
func (s *Server) execViaSDExec(ctx context.Context, req *ExecRequest) (*ExecResponse, error) {
	unitName := req.Label
	if unitName == "" {
		unitName = fmt.Sprintf("flux-exec-%d.scope", os.Getpid())
	}

	props := []systemdDbus.Property{
		systemdDbus.PropDescription("flux subprocess: " + req.Label),
		systemdDbus.PropExecStart(req.Cmdline, true),
	}
	if len(req.Env) > 0 {
		env := make([]string, 0, len(req.Env))
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}
		props = append(props, systemdDbus.Property{Name: "Environment", Value: godbus.MakeVariant(env)})
	}

	started := make(chan int, 1)
	failed := make(chan error, 1)
	onStatus := func(typ string, pid int, exitStatus int, err error) {
		switch typ {
		case "started":
			select {
			case started <- pid:
			default:
			}
		case "finished":
			if err != nil {
				select {
				case failed <- err:
				default:
				}
			}
		}
	}

	if _, err := s.SDExec.Start(ctx, unitName, props, 0, onStatus); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	select {
	case pid := <-started:
		return &ExecResponse{PID: pid, Label: req.Label}, nil
	case err := <-failed:
		return nil, status.Error(codes.Internal, err.Error())
	case <-ctx.Done():
		return nil, status.Error(codes.Canceled, ctx.Err().Error())
	}
}

func (s *Server) Write(ctx context.Context, req *WriteRequest) (*Empty, error) {
	if s.Subprocess == nil {
		return nil, status.Error(codes.Unimplemented, "this endpoint does not serve subprocess exec")
	}
	if err := s.Subprocess.Write(req.PID, req.Data, req.EOF); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &Empty{}, nil
}

func (s *Server) Kill(ctx context.Context, req *KillRequest) (*Empty, error) {
	if s.Subprocess == nil {
		return nil, status.Error(codes.Unimplemented, "this endpoint does not serve subprocess exec")
	}
	target := pidOrLabel(req.PID, req.Label)
	if err := s.Subprocess.Kill(target, syscall.Signal(req.Signal)); err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return &Empty{}, nil
}

func (s *Server) List(ctx context.Context, req *Empty) (*ListResponse, error) {
	if s.Subprocess == nil {
		return &ListResponse{}, nil
	}
	procs := s.Subprocess.List()
	out := make([]ProcInfo, len(procs))
	for i, p := range procs {
		out[i] = ProcInfo{PID: p.PID, Cmd: p.Cmd, Label: p.Label, State: string(p.State)}
	}
	return &ListResponse{Procs: out}, nil
}

func (s *Server) Wait(ctx context.Context, req *WaitRequest) (*WaitResponse, error) {
	if s.Subprocess == nil {
		return nil, status.Error(codes.Unimplemented, "this endpoint does not serve subprocess exec")
	}
	target := pidOrLabel(req.PID, req.Label)
	exitStatus, err := s.Subprocess.Wait(ctx, target)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &WaitResponse{ExitStatus: exitStatus}, nil
}

func pidOrLabel(pid int, label string) interface{} {
	if label != "" {
		return label
	}
	return pid
}

func clientKeyFromContext(ctx context.Context) subprocess.ClientKey {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return subprocess.ClientKey{}
	}
	return subprocess.ClientKey{Route: p.Addr.String()}
}
