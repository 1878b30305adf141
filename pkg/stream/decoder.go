package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/3leaps/hpcdash/pkg/output"
)

const DefaultMaxLineBytes = 1 << 20

// Decoder reads JSONL scan records back into events. Item records decode as
// json.RawMessage so callers pick their own record type.
type Decoder struct {
	r            *bufio.Reader
	maxLineBytes int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxLineBytes: DefaultMaxLineBytes}
}

func (d *Decoder) SetMaxLineBytes(n int) {
	if n <= 0 {
		d.maxLineBytes = DefaultMaxLineBytes
		return
	}
	d.maxLineBytes = n
}

// Next returns the next event. Blank lines are skipped; io.EOF marks the end.
func (d *Decoder) Next() (Event, output.Record, error) {
	for {
		line, err := readLineLimited(d.r, d.maxLineBytes)
		if err != nil {
			return Event{}, output.Record{}, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var rec output.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return Event{}, output.Record{}, err
		}
		ev, err := decodeEvent(rec)
		return ev, rec, err
	}
}

func decodeEvent(rec output.Record) (Event, error) {
	var data any
	switch rec.Type {
	case TypeProgress:
		var p Progress
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			return Event{}, err
		}
		data = p
	case TypeItem:
		var raw struct {
			Key    string          `json:"key"`
			Record json.RawMessage `json:"record"`
		}
		if err := json.Unmarshal(rec.Data, &raw); err != nil {
			return Event{}, err
		}
		data = Item{Key: raw.Key, Record: raw.Record}
	case TypeItemUpdate:
		var raw struct {
			Key   string          `json:"key"`
			Patch json.RawMessage `json:"patch"`
		}
		if err := json.Unmarshal(rec.Data, &raw); err != nil {
			return Event{}, err
		}
		data = ItemUpdate{Key: raw.Key, Patch: raw.Patch}
	case TypeError:
		var e Error
		if err := json.Unmarshal(rec.Data, &e); err != nil {
			return Event{}, err
		}
		data = e
	case TypeComplete:
		var raw struct {
			Summary json.RawMessage `json:"summary"`
		}
		if err := json.Unmarshal(rec.Data, &raw); err != nil {
			return Event{}, err
		}
		data = Complete{Summary: raw.Summary}
	default:
		return Event{}, fmt.Errorf("unknown record type %q", rec.Type)
	}
	return Event{Type: rec.Type, Data: data}, nil
}

func readLineLimited(r *bufio.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLineBytes
	}

	var out []byte
	for {
		frag, err := r.ReadSlice('\n')
		out = append(out, frag...)
		if len(out) > maxBytes {
			return nil, errors.New("jsonl line exceeds max bytes")
		}
		if err == nil {
			return bytes.TrimSuffix(out, []byte("\n")), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(out) == 0 {
				return nil, io.EOF
			}
			return out, nil
		}
		return nil, err
	}
}
