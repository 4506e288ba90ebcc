package trace

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"reflect"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/abaikov/cnstra-go/pkg/core"
)

// Binary format constants
const (
	MagicBytes    = "CNSX" // trace record magic identifier
	FormatVersion = 1
)

// Header precedes every record in a trace file
type Header struct {
	Magic    [4]byte
	Version  uint16
	Flags    uint16
	BodyLen  uint32
	Checksum uint32
}

const (
	FlagCompressed uint16 = 1 << 0
)

var (
	ErrBadMagic    = errors.New("invalid magic bytes")
	ErrBadVersion  = errors.New("unsupported format version")
	ErrBadChecksum = errors.New("checksum mismatch")
	ErrShortRecord = errors.New("record truncated")
)

// Record is one persisted response. Payloads are stored as msgpack encodes
// them; payload values msgpack cannot carry (functions, channels) degrade to
// their string form.
type Record struct {
	Seq           uint64         `msgpack:"seq"`
	SessionID     string         `msgpack:"session_id"`
	RecordedAt    time.Time      `msgpack:"recorded_at"`
	StimulationID string         `msgpack:"stimulation_id"`
	InputSignal   core.Signal    `msgpack:"input_signal"`
	OutputSignal  *core.Signal   `msgpack:"output_signal,omitempty"`
	ContextValue  map[string]any `msgpack:"context_value,omitempty"`
	QueueLength   int            `msgpack:"queue_length"`
	Hop           int            `msgpack:"hop"`
	ErrorKind     string         `msgpack:"error_kind,omitempty"`
	ErrorMessage  string         `msgpack:"error_message,omitempty"`
}

// newRecord flattens a response into its persisted form.
func newRecord(seq uint64, session string, resp *core.Response) *Record {
	rec := &Record{
		Seq:           seq,
		SessionID:     session,
		RecordedAt:    time.Now(),
		StimulationID: string(resp.StimulationID),
		InputSignal:   sanitizeSignal(resp.InputSignal),
		ContextValue:  sanitizeMap(resp.ContextValue),
		QueueLength:   resp.QueueLength,
		Hop:           resp.Hop,
	}
	if resp.OutputSignal != nil {
		out := sanitizeSignal(*resp.OutputSignal)
		rec.OutputSignal = &out
	}
	if resp.Error != nil {
		rec.ErrorKind = resp.Error.Kind
		rec.ErrorMessage = resp.Error.Message
	}
	return rec
}

func sanitizeSignal(s core.Signal) core.Signal {
	s.Payload = sanitizeValue(s.Payload)
	return s
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(v)
	}
	return out
}

// sanitizeValue replaces values msgpack cannot encode with their string form.
func sanitizeValue(v any) any {
	if v == nil {
		return nil
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprint(v)
	default:
		return v
	}
}

// Codec frames records for append-only trace files
type Codec struct {
	compress bool
}

// NewCodec creates a new codec
func NewCodec(compress bool) *Codec {
	return &Codec{compress: compress}
}

// Encode serializes one record: header, then msgpack body, optionally
// gzip-compressed when that actually shrinks it.
func (c *Codec) Encode(rec *Record) ([]byte, error) {
	body, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, err
	}

	var flags uint16
	if c.compress {
		compressed, err := gzipBody(body)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(body) {
			body = compressed
			flags |= FlagCompressed
		}
	}

	header := Header{
		Version:  FormatVersion,
		Flags:    flags,
		BodyLen:  uint32(len(body)),
		Checksum: bodyChecksum(body),
	}
	copy(header.Magic[:], MagicBytes)

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if _, err := buf.Write(body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads the next record from r. Returns io.EOF cleanly at the end of
// the stream.
func (c *Codec) Decode(r io.Reader) (*Record, error) {
	var header Header
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortRecord
		}
		return nil, err
	}

	if string(header.Magic[:]) != MagicBytes {
		return nil, ErrBadMagic
	}
	if header.Version > FormatVersion {
		return nil, ErrBadVersion
	}

	body := make([]byte, header.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, ErrShortRecord
	}

	if bodyChecksum(body) != header.Checksum {
		return nil, ErrBadChecksum
	}

	if header.Flags&FlagCompressed != 0 {
		decompressed, err := gunzipBody(body)
		if err != nil {
			return nil, err
		}
		body = decompressed
	}

	var rec Record
	if err := msgpack.Unmarshal(body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// bodyChecksum is the IEEE CRC-32 of the framed body, computed before
// compression flags are interpreted on the read side.
func bodyChecksum(body []byte) uint32 {
	return crc32.ChecksumIEEE(body)
}

// gzipBody compresses a record body at the fastest gzip level; trace writes
// sit on the response hot path, so ratio loses to latency here.
func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	_, werr := w.Write(body)
	if cerr := w.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return nil, werr
	}
	return buf.Bytes(), nil
}

// gunzipBody expands a body written with the FlagCompressed bit set.
func gunzipBody(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	out, rerr := io.ReadAll(r)
	if cerr := r.Close(); rerr == nil {
		rerr = cerr
	}
	return out, rerr
}
