// Package device manages P4Runtime control sessions with individual
// switches and the registry that guarantees they are all closed.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/newtron-network/p4ctl/pkg/fleet"
	"github.com/newtron-network/p4ctl/pkg/p4info"
	"github.com/newtron-network/p4ctl/pkg/util"
)

// DefaultRPCTimeout bounds every remote call when Options.RPCTimeout is 0.
const DefaultRPCTimeout = 10 * time.Second

// State is a session's position in the bootstrap sequence.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateArbitrated
	StatePipelineInstalled
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateArbitrated:
		return "arbitrated"
	case StatePipelineInstalled:
		return "pipeline-installed"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options configure Connect.
type Options struct {
	ElectionID  uint64
	Registry    *Registry
	RPCTimeout  time.Duration
	DialOptions []grpc.DialOption

	// TranscriptPath overrides the device's transcript path. Set
	// NoTranscript to disable transcripts altogether.
	TranscriptPath string
	NoTranscript   bool
}

// Session is the control channel to one switch. Operations must follow the
// order Connect, Arbitrate, InstallPipeline, then WriteEntry; calling one
// out of order returns a PreconditionError without contacting the switch.
// WriteEntry and ReadEntries may be called concurrently once Ready.
type Session struct {
	Name     string
	Address  string
	DeviceID uint64

	election *p4v1.Uint128
	timeout  time.Duration
	registry *Registry
	program  *p4info.Program

	conn       *grpc.ClientConn
	client     p4v1.P4RuntimeClient
	stream     p4v1.P4Runtime_StreamChannelClient
	stopStream context.CancelFunc
	updates    chan *p4v1.MasterArbitrationUpdate
	recvDone   chan struct{}
	transcript *Transcript
	tunnel     *SSHTunnel

	mu        sync.Mutex
	state     State
	streamErr error
	closeOnce sync.Once
}

// Connect opens the gRPC channel and the StreamChannel to dev and registers
// the session. Any failure is a connection error and leaves nothing open.
func Connect(ctx context.Context, dev *fleet.Device, opts Options) (*Session, error) {
	s := &Session{
		Name:     dev.Name,
		Address:  dev.Address,
		DeviceID: dev.DeviceID,
		election: &p4v1.Uint128{Low: opts.ElectionID},
		timeout:  opts.RPCTimeout,
		registry: opts.Registry,
		updates:  make(chan *p4v1.MasterArbitrationUpdate, 1),
		recvDone: make(chan struct{}),
	}
	if s.timeout == 0 {
		s.timeout = DefaultRPCTimeout
	}
	if err := ctx.Err(); err != nil {
		return nil, util.NewConnectionError(s.Name, err)
	}
	log := util.WithDevice(s.Name)

	if err := s.open(ctx, dev, opts); err != nil {
		s.release()
		return nil, util.NewConnectionError(s.Name, err)
	}

	go s.recvLoop()

	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()
	if s.registry != nil {
		s.registry.Register(s)
	}
	log.Infof("Connected to %s", s.Address)
	return s, nil
}

func (s *Session) open(ctx context.Context, dev *fleet.Device, opts Options) error {
	target := dev.Address
	if dev.SSH != nil {
		tun, err := NewSSHTunnel(dev.SSH.Host, dev.SSH.User, dev.SSH.Password, dev.SSH.Port, dev.Address)
		if err != nil {
			return err
		}
		s.tunnel = tun
		target = tun.LocalAddr()
	}

	path := dev.Transcript
	if opts.TranscriptPath != "" {
		path = opts.TranscriptPath
	}
	if path != "" && !opts.NoTranscript {
		tr, err := OpenTranscript(path)
		if err != nil {
			util.WithDevice(s.Name).Warnf("Transcript disabled: %v", err)
		} else {
			s.transcript = tr
		}
	}

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if s.transcript != nil {
		dialOpts = append(dialOpts, grpc.WithChainUnaryInterceptor(s.transcript.UnaryInterceptor()))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient("passthrough:///"+target, dialOpts...)
	if err != nil {
		return fmt.Errorf("creating channel to %s: %w", target, err)
	}
	s.conn = conn
	s.client = p4v1.NewP4RuntimeClient(conn)

	if err := s.waitReady(ctx); err != nil {
		return err
	}

	streamCtx, stop := context.WithCancel(context.Background())
	stream, err := s.client.StreamChannel(streamCtx)
	if err != nil {
		stop()
		return fmt.Errorf("opening stream channel: %w", err)
	}
	s.stream = stream
	s.stopStream = stop
	return nil
}

// waitReady drives the channel out of IDLE and waits, bounded by the RPC
// timeout, until it is READY or has failed once.
func (s *Session) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.conn.Connect()
	for {
		st := s.conn.GetState()
		switch st {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("channel to %s is %s", s.Address, st)
		}
		if !s.conn.WaitForStateChange(ctx, st) {
			return fmt.Errorf("channel to %s stuck in %s: %w", s.Address, st, ctx.Err())
		}
	}
}

func (s *Session) recvLoop() {
	defer close(s.recvDone)
	for {
		msg, err := s.stream.Recv()
		if err != nil {
			if s.State() == StateClosed || status.Code(err) == codes.Canceled {
				return
			}
			if err == io.EOF {
				err = errors.New("switch closed the stream")
			}
			s.mu.Lock()
			s.streamErr = util.NewChannelError(s.Name, err)
			s.mu.Unlock()
			util.WithDevice(s.Name).Warnf("Stream channel failed: %v", err)
			return
		}
		if arb := msg.GetArbitration(); arb != nil {
			// Keep only the newest update.
			select {
			case <-s.updates:
			default:
			}
			s.updates <- arb
		}
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the stream fault that made the session unusable, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

// require checks that the session is in want and that the caller's context
// is still live. Nothing is sent when it fails.
func (s *Session) require(ctx context.Context, op string, want ...State) error {
	s.mu.Lock()
	st, serr := s.state, s.streamErr
	s.mu.Unlock()

	if st == StateClosed {
		return fmt.Errorf("%s %s: %w", op, s.Name, util.ErrSessionClosed)
	}
	if serr != nil {
		return serr
	}
	ok := false
	for _, w := range want {
		if st == w {
			ok = true
		}
	}
	if !ok {
		return util.NewPreconditionError(op, s.Name, fmt.Sprintf("session must be %s", want[0]), "session is "+st.String())
	}
	return ctx.Err()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
	util.WithDevice(s.Name).Debugf("Session %s", st)
}

// rpcContext detaches an RPC from the caller's cancellation so a request
// already on the wire gets its answer, bounded by the RPC timeout.
func (s *Session) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

// Arbitrate asks to become primary controller for the device. It fails
// when the switch answers with anything but OK, typically because another
// controller holds a higher election id.
func (s *Session) Arbitrate(ctx context.Context) error {
	if err := s.require(ctx, "arbitrate", StateConnected); err != nil {
		return err
	}

	req := &p4v1.StreamMessageRequest{
		Update: &p4v1.StreamMessageRequest_Arbitration{
			Arbitration: &p4v1.MasterArbitrationUpdate{
				DeviceId:   s.DeviceID,
				ElectionId: s.election,
			},
		},
	}
	if s.transcript != nil {
		s.transcript.Record(MethodStreamChannel, req)
	}
	if err := s.stream.Send(req); err != nil {
		return util.NewArbitrationError(s.Name, fmt.Errorf("sending arbitration: %w", err))
	}

	rctx, cancel := s.rpcContext(ctx)
	defer cancel()

	select {
	case upd := <-s.updates:
		if code := codes.Code(upd.GetStatus().GetCode()); code != codes.OK {
			master := upd.GetElectionId()
			return util.NewArbitrationError(s.Name, fmt.Errorf("switch answered %s, primary election id is %d:%d: %s",
				code, master.GetHigh(), master.GetLow(), upd.GetStatus().GetMessage()))
		}
	case <-s.recvDone:
		if err := s.Err(); err != nil {
			return util.NewArbitrationError(s.Name, err)
		}
		return util.NewArbitrationError(s.Name, util.ErrSessionClosed)
	case <-rctx.Done():
		return util.NewArbitrationError(s.Name, fmt.Errorf("no arbitration response: %w", rctx.Err()))
	}

	s.setState(StateArbitrated)
	util.WithDevice(s.Name).Infof("Primary controller (election id %d)", s.election.GetLow())
	return nil
}

// InstallPipeline pushes prog with VERIFY_AND_COMMIT, then reads the cookie
// back. The session is Ready only when the switch reports the cookie it
// was given.
func (s *Session) InstallPipeline(ctx context.Context, prog *p4info.Program) error {
	if err := s.require(ctx, "install pipeline", StateArbitrated); err != nil {
		return err
	}

	rctx, cancel := s.rpcContext(ctx)
	defer cancel()

	_, err := s.client.SetForwardingPipelineConfig(rctx, &p4v1.SetForwardingPipelineConfigRequest{
		DeviceId:   s.DeviceID,
		ElectionId: s.election,
		Action:     p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
		Config: &p4v1.ForwardingPipelineConfig{
			P4Info:         prog.Info,
			P4DeviceConfig: prog.DeviceConfig,
			Cookie:         &p4v1.ForwardingPipelineConfig_Cookie{Cookie: prog.Cookie},
		},
	})
	if err != nil {
		return util.NewPipelineError(s.Name, err)
	}
	s.program = prog
	s.setState(StatePipelineInstalled)

	resp, err := s.client.GetForwardingPipelineConfig(rctx, &p4v1.GetForwardingPipelineConfigRequest{
		DeviceId:     s.DeviceID,
		ResponseType: p4v1.GetForwardingPipelineConfigRequest_COOKIE_ONLY,
	})
	if err != nil {
		return util.NewPipelineError(s.Name, fmt.Errorf("reading back cookie: %w", err))
	}
	if got := resp.GetConfig().GetCookie().GetCookie(); got != prog.Cookie {
		return util.NewPipelineError(s.Name, fmt.Errorf("cookie mismatch: switch reports %#x, pushed %#x", got, prog.Cookie))
	}

	s.setState(StateReady)
	util.WithDevice(s.Name).Info("Installed P4 program using SetForwardingPipelineConfig")
	return nil
}

// WriteEntry inserts one table entry. An existing entry with the same key
// is an error, never overwritten.
func (s *Session) WriteEntry(ctx context.Context, te *p4v1.TableEntry) error {
	if err := s.require(ctx, "write", StateReady); err != nil {
		return err
	}

	rctx, cancel := s.rpcContext(ctx)
	defer cancel()

	_, err := s.client.Write(rctx, &p4v1.WriteRequest{
		DeviceId:   s.DeviceID,
		ElectionId: s.election,
		Updates: []*p4v1.Update{{
			Type:   p4v1.Update_INSERT,
			Entity: &p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: te}},
		}},
	})
	if err != nil {
		return s.writeError(te, err)
	}
	return nil
}

// writeError decodes a Write failure. P4Runtime reports per-update
// outcomes as p4.v1.Error details of an UNKNOWN status.
func (s *Session) writeError(te *p4v1.TableEntry, err error) *util.WriteError {
	st := status.Convert(err)
	we := &util.WriteError{
		Device: s.Name,
		Table:  s.program.Name(te.GetTableId()),
		Code:   st.Code().String(),
		Reason: st.Message(),
		Err:    err,
	}
	for _, d := range st.Details() {
		if pe, ok := d.(*p4v1.Error); ok && codes.Code(pe.GetCanonicalCode()) != codes.OK {
			we.Code = codes.Code(pe.GetCanonicalCode()).String()
			we.Reason = pe.GetMessage()
			break
		}
	}
	return we
}

// PipelineCookie reads the cookie of the pipeline the switch is running.
// Like ReadEntries it needs no mastership. A switch with no pipeline
// answers FailedPrecondition.
func (s *Session) PipelineCookie(ctx context.Context) (uint64, error) {
	if err := s.require(ctx, "get pipeline", StateConnected, StateArbitrated, StatePipelineInstalled, StateReady); err != nil {
		return 0, err
	}

	rctx, cancel := s.rpcContext(ctx)
	defer cancel()

	resp, err := s.client.GetForwardingPipelineConfig(rctx, &p4v1.GetForwardingPipelineConfigRequest{
		DeviceId:     s.DeviceID,
		ResponseType: p4v1.GetForwardingPipelineConfigRequest_COOKIE_ONLY,
	})
	if err != nil {
		return 0, fmt.Errorf("get pipeline %s: %w", s.Name, err)
	}
	return resp.GetConfig().GetCookie().GetCookie(), nil
}

// ReadEntries returns the entries installed in one table, or in all tables
// when tableID is 0. It works from Connected on and needs no mastership.
func (s *Session) ReadEntries(ctx context.Context, tableID uint32) ([]*p4v1.TableEntry, error) {
	if err := s.require(ctx, "read", StateConnected, StateArbitrated, StatePipelineInstalled, StateReady); err != nil {
		return nil, err
	}

	rctx, cancel := s.rpcContext(ctx)
	defer cancel()

	req := &p4v1.ReadRequest{
		DeviceId: s.DeviceID,
		Entities: []*p4v1.Entity{{
			Entity: &p4v1.Entity_TableEntry{TableEntry: &p4v1.TableEntry{TableId: tableID}},
		}},
	}
	if s.transcript != nil {
		s.transcript.Record(MethodRead, req)
	}
	stream, err := s.client.Read(rctx, req)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Name, err)
	}

	var out []*p4v1.TableEntry
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.Name, err)
		}
		for _, ent := range resp.GetEntities() {
			if te := ent.GetTableEntry(); te != nil {
				out = append(out, te)
			}
		}
	}
}

// Close shuts the stream and the channel and unregisters the session. It is
// idempotent and never fails.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		if s.stream != nil {
			s.stream.CloseSend()
		}
		s.release()
		if s.registry != nil {
			s.registry.Unregister(s)
		}
		util.WithDevice(s.Name).Info("Disconnected")
	})
}

// release frees whatever open managed to set up.
func (s *Session) release() {
	if s.stopStream != nil {
		s.stopStream()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.stream != nil {
		<-s.recvDone
	}
	if s.transcript != nil {
		s.transcript.Close()
	}
	if s.tunnel != nil {
		s.tunnel.Close()
	}
}
