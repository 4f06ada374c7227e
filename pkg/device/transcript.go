package device

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"github.com/newtron-network/p4ctl/pkg/util"
)

// Full method names as they appear in a transcript.
const (
	MethodStreamChannel = "/p4.v1.P4Runtime/StreamChannel"
	MethodSetPipeline   = "/p4.v1.P4Runtime/SetForwardingPipelineConfig"
	MethodGetPipeline   = "/p4.v1.P4Runtime/GetForwardingPipelineConfig"
	MethodWrite         = "/p4.v1.P4Runtime/Write"
	MethodRead          = "/p4.v1.P4Runtime/Read"
)

const transcriptBuffer = 256

// Transcript appends every request sent to one switch to a text file, for
// debugging a provisioning run after the fact. Records are queued and
// written by a background goroutine; when the queue is full records are
// dropped rather than stalling the RPC path.
type Transcript struct {
	path    string
	file    *os.File
	records chan string
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// OpenTranscript creates (or appends to) the transcript at path, creating
// parent directories as needed.
func OpenTranscript(path string) (*Transcript, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating transcript directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}

	t := &Transcript{
		path:    path,
		file:    file,
		records: make(chan string, transcriptBuffer),
		done:    make(chan struct{}),
	}
	go t.writeLoop()
	return t, nil
}

// Path returns the transcript file path.
func (t *Transcript) Path() string {
	return t.path
}

// Dropped returns how many records were discarded because the writer fell
// behind.
func (t *Transcript) Dropped() int64 {
	return t.dropped.Load()
}

// Record queues one request. It never blocks.
func (t *Transcript) Record(method string, msg proto.Message) {
	rec := formatRecord(time.Now(), method, msg)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.records <- rec:
	default:
		t.dropped.Add(1)
	}
}

// formatRecord renders a request. Pipeline images are replaced by their
// size; a BMv2 JSON is megabytes of noise in a transcript.
func formatRecord(at time.Time, method string, msg proto.Message) string {
	if req, ok := msg.(*p4v1.SetForwardingPipelineConfigRequest); ok && len(req.GetConfig().GetP4DeviceConfig()) > 0 {
		clone := proto.Clone(req).(*p4v1.SetForwardingPipelineConfigRequest)
		clone.Config.P4DeviceConfig = []byte(fmt.Sprintf("<%d bytes elided>", len(req.GetConfig().GetP4DeviceConfig())))
		msg = clone
	}
	body := prototext.MarshalOptions{Multiline: true, Indent: "  "}.Format(msg)
	return fmt.Sprintf("[%s] %s\n---\n%s---\n", at.Format("2006-01-02 15:04:05.000"), method, body)
}

// UnaryInterceptor records every unary request before it is sent.
func (t *Transcript) UnaryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if m, ok := req.(proto.Message); ok {
			t.Record(method, m)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func (t *Transcript) writeLoop() {
	defer close(t.done)
	w := bufio.NewWriter(t.file)
	for rec := range t.records {
		if _, err := w.WriteString(rec); err != nil {
			util.Warnf("transcript %s: %v", t.path, err)
			continue
		}
		if len(t.records) == 0 {
			w.Flush()
		}
	}
	w.Flush()
}

// Close drains queued records and closes the file. It is idempotent.
func (t *Transcript) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.records)
	t.mu.Unlock()

	<-t.done
	if n := t.dropped.Load(); n > 0 {
		util.Warnf("transcript %s: %d records dropped", t.path, n)
	}
	return t.file.Close()
}
