package testutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

// Call names recorded in a FakeSwitch trace.
const (
	CallArbitration = "Arbitration"
	CallSetPipeline = "SetForwardingPipelineConfig"
	CallGetPipeline = "GetForwardingPipelineConfig"
	CallWrite       = "Write"
	CallRead        = "Read"
)

// FakeSwitch is an in-memory P4Runtime target. It enforces the parts of the
// protocol a controller can get wrong: writes need mastership and an
// installed pipeline, and a duplicate INSERT is refused with ALREADY_EXISTS.
type FakeSwitch struct {
	p4v1.UnimplementedP4RuntimeServer

	// CompetingElectionID, when set, is the election id of another
	// controller that already holds mastership. Lower ids are denied.
	CompetingElectionID *p4v1.Uint128

	// RejectPipeline makes SetForwardingPipelineConfig fail.
	RejectPipeline bool

	// CookieOverride, when non-zero, is reported by
	// GetForwardingPipelineConfig instead of the installed cookie.
	CookieOverride uint64

	mu       sync.Mutex
	calls    []string
	master   *p4v1.Uint128
	deviceID uint64
	config   *p4v1.ForwardingPipelineConfig
	entries  []*p4v1.TableEntry
	keys     map[string]bool
}

// NewFakeSwitch returns a switch with no pipeline and no primary controller.
func NewFakeSwitch() *FakeSwitch {
	return &FakeSwitch{keys: make(map[string]bool)}
}

func (s *FakeSwitch) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

// Calls returns the trace of RPCs served so far, in arrival order. Writes
// are recorded as "Write <table id>".
func (s *FakeSwitch) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Entries returns the installed entries of one table, or of every table
// when tableID is 0, in write order.
func (s *FakeSwitch) Entries(tableID uint32) []*p4v1.TableEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*p4v1.TableEntry
	for _, te := range s.entries {
		if tableID == 0 || te.GetTableId() == tableID {
			out = append(out, te)
		}
	}
	return out
}

// Installed reports whether a forwarding pipeline has been committed.
func (s *FakeSwitch) Installed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config != nil
}

func higher(a, b *p4v1.Uint128) bool {
	if a.GetHigh() != b.GetHigh() {
		return a.GetHigh() > b.GetHigh()
	}
	return a.GetLow() > b.GetLow()
}

func sameID(a, b *p4v1.Uint128) bool {
	return a != nil && b != nil && a.GetHigh() == b.GetHigh() && a.GetLow() == b.GetLow()
}

func (s *FakeSwitch) StreamChannel(stream p4v1.P4Runtime_StreamChannelServer) error {
	var mine *p4v1.Uint128
	defer func() {
		s.mu.Lock()
		if sameID(s.master, mine) {
			s.master = nil
		}
		s.mu.Unlock()
	}()

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		arb := req.GetArbitration()
		if arb == nil {
			continue
		}
		s.record(CallArbitration)

		s.mu.Lock()
		resp := &p4v1.MasterArbitrationUpdate{DeviceId: arb.GetDeviceId()}
		if s.CompetingElectionID != nil && !higher(arb.GetElectionId(), s.CompetingElectionID) {
			resp.ElectionId = s.CompetingElectionID
			resp.Status = &rpcstatus.Status{
				Code:    int32(codes.AlreadyExists),
				Message: "a controller with a higher election id is primary",
			}
		} else {
			mine = arb.GetElectionId()
			s.master = mine
			s.deviceID = arb.GetDeviceId()
			resp.ElectionId = mine
			resp.Status = &rpcstatus.Status{Code: int32(codes.OK)}
		}
		s.mu.Unlock()

		if err := stream.Send(&p4v1.StreamMessageResponse{
			Update: &p4v1.StreamMessageResponse_Arbitration{Arbitration: resp},
		}); err != nil {
			return err
		}
	}
}

func (s *FakeSwitch) checkPrimary(deviceID uint64, election *p4v1.Uint128) error {
	if s.master == nil || !sameID(s.master, election) {
		return status.Error(codes.PermissionDenied, "not the primary controller")
	}
	if deviceID != s.deviceID {
		return status.Errorf(codes.NotFound, "unknown device id %d", deviceID)
	}
	return nil
}

func (s *FakeSwitch) SetForwardingPipelineConfig(ctx context.Context, req *p4v1.SetForwardingPipelineConfigRequest) (*p4v1.SetForwardingPipelineConfigResponse, error) {
	s.record(CallSetPipeline)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPrimary(req.GetDeviceId(), req.GetElectionId()); err != nil {
		return nil, err
	}
	if s.RejectPipeline {
		return nil, status.Error(codes.InvalidArgument, "error when loading device config")
	}
	if len(req.GetConfig().GetP4Info().GetTables()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "p4info is empty")
	}
	if req.GetAction() == p4v1.SetForwardingPipelineConfigRequest_VERIFY {
		return &p4v1.SetForwardingPipelineConfigResponse{}, nil
	}
	s.config = req.GetConfig()
	s.entries = nil
	s.keys = make(map[string]bool)
	return &p4v1.SetForwardingPipelineConfigResponse{}, nil
}

func (s *FakeSwitch) GetForwardingPipelineConfig(ctx context.Context, req *p4v1.GetForwardingPipelineConfigRequest) (*p4v1.GetForwardingPipelineConfigResponse, error) {
	s.record(CallGetPipeline)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config == nil {
		return nil, status.Error(codes.FailedPrecondition, "no forwarding pipeline installed")
	}
	cookie := s.config.GetCookie().GetCookie()
	if s.CookieOverride != 0 {
		cookie = s.CookieOverride
	}
	cfg := &p4v1.ForwardingPipelineConfig{Cookie: &p4v1.ForwardingPipelineConfig_Cookie{Cookie: cookie}}
	if req.GetResponseType() == p4v1.GetForwardingPipelineConfigRequest_ALL {
		cfg.P4Info = s.config.GetP4Info()
		cfg.P4DeviceConfig = s.config.GetP4DeviceConfig()
	}
	return &p4v1.GetForwardingPipelineConfigResponse{Config: cfg}, nil
}

// entryKey identifies an entry within its table: the match fields in field
// id order plus the priority.
func entryKey(te *p4v1.TableEntry) string {
	matches := append([]*p4v1.FieldMatch(nil), te.GetMatch()...)
	sort.Slice(matches, func(i, j int) bool { return matches[i].GetFieldId() < matches[j].GetFieldId() })
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d", te.GetTableId(), te.GetPriority())
	for _, m := range matches {
		raw, _ := proto.MarshalOptions{Deterministic: true}.Marshal(m)
		fmt.Fprintf(&b, "/%x", raw)
	}
	return b.String()
}

func (s *FakeSwitch) knownTable(id uint32) bool {
	for _, t := range s.config.GetP4Info().GetTables() {
		if t.GetPreamble().GetId() == id {
			return true
		}
	}
	return false
}

func (s *FakeSwitch) Write(ctx context.Context, req *p4v1.WriteRequest) (*p4v1.WriteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range req.GetUpdates() {
		s.calls = append(s.calls, fmt.Sprintf("%s %d", CallWrite, u.GetEntity().GetTableEntry().GetTableId()))
	}
	if err := s.checkPrimary(req.GetDeviceId(), req.GetElectionId()); err != nil {
		return nil, err
	}
	if s.config == nil {
		return nil, status.Error(codes.FailedPrecondition, "no forwarding pipeline installed")
	}

	details := make([]protoadapt.MessageV1, 0, len(req.GetUpdates()))
	failed := false
	for _, u := range req.GetUpdates() {
		perr := &p4v1.Error{CanonicalCode: int32(codes.OK)}
		te := u.GetEntity().GetTableEntry()
		switch {
		case te == nil:
			perr = &p4v1.Error{CanonicalCode: int32(codes.Unimplemented), Message: "only table entries are supported"}
		case u.GetType() != p4v1.Update_INSERT:
			perr = &p4v1.Error{CanonicalCode: int32(codes.Unimplemented), Message: "only INSERT is supported"}
		case !s.knownTable(te.GetTableId()):
			perr = &p4v1.Error{CanonicalCode: int32(codes.NotFound), Message: fmt.Sprintf("table id %d not found", te.GetTableId())}
		case s.keys[entryKey(te)]:
			perr = &p4v1.Error{CanonicalCode: int32(codes.AlreadyExists), Message: "Match entry exists, use MODIFY if you wish to change action"}
		default:
			s.keys[entryKey(te)] = true
			s.entries = append(s.entries, te)
		}
		if perr.GetCanonicalCode() != int32(codes.OK) {
			failed = true
		}
		details = append(details, perr)
	}
	if !failed {
		return &p4v1.WriteResponse{}, nil
	}
	st, err := status.New(codes.Unknown, "write failure").WithDetails(details...)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return nil, st.Err()
}

func (s *FakeSwitch) Read(req *p4v1.ReadRequest, stream p4v1.P4Runtime_ReadServer) error {
	s.record(CallRead)
	s.mu.Lock()
	resp := &p4v1.ReadResponse{}
	for _, ent := range req.GetEntities() {
		want := ent.GetTableEntry()
		if want == nil {
			continue
		}
		for _, te := range s.entries {
			if want.GetTableId() == 0 || want.GetTableId() == te.GetTableId() {
				resp.Entities = append(resp.Entities, &p4v1.Entity{
					Entity: &p4v1.Entity_TableEntry{TableEntry: te},
				})
			}
		}
	}
	s.mu.Unlock()
	return stream.Send(resp)
}

// Fabric hosts fake switches on in-memory listeners keyed by the address a
// device would normally be dialed at.
type Fabric struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
	switches  map[string]*FakeSwitch
}

// NewFabric creates an empty fabric. Servers are stopped on test cleanup.
func NewFabric(t testing.TB) *Fabric {
	t.Helper()
	return &Fabric{
		listeners: make(map[string]*bufconn.Listener),
		switches:  make(map[string]*FakeSwitch),
	}
}

// Serve starts sw at addr.
func (f *Fabric) Serve(t testing.TB, addr string, sw *FakeSwitch) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	p4v1.RegisterP4RuntimeServer(srv, sw)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	f.mu.Lock()
	f.listeners[addr] = lis
	f.switches[addr] = sw
	f.mu.Unlock()
}

// Switch returns the switch served at addr.
func (f *Fabric) Switch(addr string) *FakeSwitch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.switches[addr]
}

// DialOption routes client connections to the fabric. Addresses nothing
// is served at fail like a refused TCP connect.
func (f *Fabric) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		f.mu.Lock()
		lis := f.listeners[addr]
		f.mu.Unlock()
		if lis == nil {
			return nil, fmt.Errorf("dial tcp %s: connection refused", addr)
		}
		return lis.DialContext(ctx)
	})
}
