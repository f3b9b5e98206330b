package relay

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// DoneSentinel is the literal data payload that ends a client stream.
const DoneSentinel = "[DONE]"

const defaultMaxFrameBytes = 1 << 20

var ErrFrameTooLarge = errors.New("relay: sse frame exceeds size limit")

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	ID    string
	Data  string
}

// IsDoneSentinel reports whether the frame is the literal [DONE] marker.
func (f Frame) IsDoneSentinel() bool {
	return strings.TrimSpace(f.Data) == DoneSentinel
}

// Encode renders the frame in wire format, one data line per payload line.
func (f Frame) Encode() []byte {
	var b bytes.Buffer
	if f.Event != "" {
		b.WriteString("event: ")
		b.WriteString(f.Event)
		b.WriteByte('\n')
	}
	if f.ID != "" {
		b.WriteString("id: ")
		b.WriteString(f.ID)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(f.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// Decoder reads frames from an SSE byte stream. Lines may arrive split
// across any number of reads; CRLF and LF line endings are both accepted.
type Decoder struct {
	r   *bufio.Reader
	max int

	event   string
	id      string
	data    []string
	size    int
	pending bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 16<<10), max: defaultMaxFrameBytes}
}

// Next returns the next dispatched frame. A trailing frame without the
// closing blank line is still returned before io.EOF.
func (d *Decoder) Next() (Frame, error) {
	for {
		line, err := d.r.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				if d.pending {
					return d.dispatch(), nil
				}
			} else if ferr := d.field(line); ferr != nil {
				return Frame{}, ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && d.pending {
				return d.dispatch(), nil
			}
			return Frame{}, err
		}
	}
}

func (d *Decoder) field(line string) error {
	if strings.HasPrefix(line, ":") {
		return nil // comment / keepalive
	}
	name, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch name {
	case "event":
		d.event = value
	case "id":
		d.id = value
	case "data":
		d.data = append(d.data, value)
		d.size += len(value)
		if d.size > d.max {
			d.reset()
			return ErrFrameTooLarge
		}
	default:
		// retry and unknown fields are ignored
		return nil
	}
	d.pending = true
	return nil
}

func (d *Decoder) dispatch() Frame {
	f := Frame{Event: d.event, ID: d.id, Data: strings.Join(d.data, "\n")}
	d.reset()
	return f
}

func (d *Decoder) reset() {
	d.event, d.id, d.data, d.size, d.pending = "", "", nil, 0, false
}
