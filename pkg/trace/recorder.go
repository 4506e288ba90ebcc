// Package trace records the response stream of a CNS to an append-only file
// of framed msgpack records, and reads such files back. It is an observer of
// the stimulation runtime; it never influences a traversal beyond the time
// its writes take.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/abaikov/cnstra-go/pkg/cns"
	"github.com/abaikov/cnstra-go/pkg/core"
)

// Recorder appends every observed response to a trace file. Safe for
// concurrent use; records carry a per-recorder session id and a monotonic
// sequence number.
type Recorder struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	codec   *Codec
	session string
	seq     uint64
	closed  bool
	logger  *slog.Logger
}

// NewRecorder opens (or creates) the trace file at path for appending.
func NewRecorder(path string, compress bool) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file %s: %w", path, err)
	}
	return &Recorder{
		f:       f,
		w:       bufio.NewWriter(f),
		codec:   NewCodec(compress),
		session: uuid.New().String(),
		logger:  slog.Default().With("component", "trace", "path", path),
	}, nil
}

// SessionID returns the id stamped on every record this recorder writes.
func (r *Recorder) SessionID() string {
	return r.session
}

// Record writes one response to the file.
func (r *Recorder) Record(resp *core.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("recorder closed")
	}

	r.seq++
	data, err := r.codec.Encode(newRecord(r.seq, r.session, resp))
	if err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	if _, err := r.w.Write(data); err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	return nil
}

// Listener adapts the recorder to the response listener contract. Write
// failures are logged, not propagated: a broken trace file must not fail the
// stimulation it observes.
func (r *Recorder) Listener() cns.ResponseListener {
	return func(resp *core.Response) error {
		if err := r.Record(resp); err != nil {
			r.logger.Error("trace write failed", "error", err)
		}
		return nil
	}
}

// Attach subscribes the recorder to every response of the CNS. The returned
// function unsubscribes.
func (r *Recorder) Attach(c *cns.CNS, opts ...cns.ListenerOption) func() {
	return c.AddResponseListener(r.Listener(), opts...)
}

// Flush forces buffered records to the file.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Flush()
}

// Close flushes and closes the trace file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}

// ReadFile decodes all records from a trace file, in file order.
func ReadFile(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file %s: %w", path, err)
	}
	defer f.Close()

	codec := NewCodec(false)
	reader := bufio.NewReader(f)

	var records []*Record
	for {
		rec, err := codec.Decode(reader)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("record %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
}
