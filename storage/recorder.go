package storage

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/grafana/xk6-channel/protocol"
	"github.com/grafana/xk6-channel/transport"
)

// Direction tells which way a recorded message went.
type Direction string

// Directions as seen from the recorded end.
const (
	Sent     Direction = "send"
	Received Direction = "recv"
)

// Entry is one recorded message.
type Entry struct {
	Direction Direction
	At        time.Time
	Message   *protocol.Message
}

// Recorder is a transport that keeps a transcript of the messages going
// through the transport it wraps.
type Recorder struct {
	transport.Transport

	now func() time.Time

	mu      sync.Mutex
	entries []Entry
}

// NewRecorder wraps t.
func NewRecorder(t transport.Transport) *Recorder {
	return &Recorder{Transport: t, now: time.Now}
}

// Send records msg and sends it.
func (r *Recorder) Send(msg *protocol.Message) error {
	if err := r.record(Sent, msg); err != nil {
		return err
	}
	return r.Transport.Send(msg)
}

// Recv receives a message and records it.
func (r *Recorder) Recv() (*protocol.Message, error) {
	msg, err := r.Transport.Recv()
	if err != nil {
		return nil, err
	}
	if err := r.record(Received, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Recorder) record(dir Direction, msg *protocol.Message) error {
	// the caller may reuse msg once Send returns.
	cp, err := protocol.Clone(msg)
	if err != nil {
		return fmt.Errorf("recording message: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Direction: dir, At: r.now(), Message: cp})
	return nil
}

// Entries returns the transcript so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// WriteTo writes the transcript as JSON lines.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	return WriteTranscript(w, r.Entries())
}

// Save persists the transcript at path.
func (r *Recorder) Save(ctx context.Context, p FilePersister, path string) error {
	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		return err
	}
	return p.Persist(ctx, path, &buf)
}

// WriteTranscript writes entries as JSON lines:
//
//	{"dir":"send","at":"2006-01-02T15:04:05.999999999Z","message":{...}}
func WriteTranscript(w io.Writer, entries []Entry) (int64, error) {
	var n int64
	for _, e := range entries {
		jw := &jwriter.Writer{}
		jw.RawString(`{"dir":`)
		jw.String(string(e.Direction))
		jw.RawString(`,"at":`)
		jw.String(e.At.UTC().Format(time.RFC3339Nano))
		jw.RawString(`,"message":`)
		e.Message.MarshalEasyJSON(jw)
		jw.RawString("}\n")

		written, err := jw.DumpTo(w)
		n += int64(written)
		if err != nil {
			return n, fmt.Errorf("writing transcript: %w", err)
		}
	}
	return n, nil
}

// ReadTranscript parses the JSON lines written by WriteTranscript.
func ReadTranscript(rd io.Reader) ([]Entry, error) {
	var (
		entries []Entry
		sc      = bufio.NewScanner(rd)
		line    int
	)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<24)
	for sc.Scan() {
		line++
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}
		e, err := parseEntry(data)
		if err != nil {
			return nil, fmt.Errorf("transcript line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return entries, nil
}

func parseEntry(data []byte) (Entry, error) {
	var (
		e  Entry
		in = &jlexer.Lexer{Data: data}
	)
	in.Delim('{')
	for !in.IsDelim('}') && in.Ok() {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		switch key {
		case "dir":
			e.Direction = Direction(in.String())
		case "at":
			at, err := time.Parse(time.RFC3339Nano, in.String())
			if err != nil {
				in.AddError(err)
			}
			e.At = at
		case "message":
			e.Message = &protocol.Message{}
			e.Message.UnmarshalEasyJSON(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	in.Consumed()

	if err := in.Error(); err != nil {
		return Entry{}, err
	}
	switch {
	case e.Direction != Sent && e.Direction != Received:
		return Entry{}, fmt.Errorf("unknown direction %q", e.Direction)
	case e.Message == nil:
		return Entry{}, fmt.Errorf("entry without message")
	}
	return e, nil
}
