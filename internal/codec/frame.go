package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gridwise/gridagent-server/internal/domain"
)

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 8

	// MaxFrameSize bounds a single frame. Software images are the only
	// large bodies; 8 MiB comfortably covers deployed image sizes.
	MaxFrameSize = 8 << 20
)

// wireEpoch anchors all on-wire u32 timestamps: seconds since
// 2000-01-01 00:00:00 UTC.
var wireEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// toWireTime converts a UTC time to wire seconds. Times before the
// epoch clamp to zero.
func toWireTime(t time.Time) uint32 {
	secs := t.Unix() - wireEpoch.Unix()
	if secs < 0 {
		return 0
	}
	return uint32(secs)
}

// fromWireTime converts wire seconds back to a UTC time.
func fromWireTime(v uint32) time.Time {
	return wireEpoch.Add(time.Duration(v) * time.Second)
}

// header is the decoded fixed frame header.
type header struct {
	Length uint32
	Type   Type
	Flags  uint8
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, fmt.Errorf("%w: header too short", domain.ErrMalformedFrame)
	}
	h := header{
		Length: binary.BigEndian.Uint32(buf[0:4]),
		Type:   Type(buf[6]),
		Flags:  buf[7],
	}
	if h.Length < HeaderSize {
		return header{}, fmt.Errorf("%w: declared length %d below header size", domain.ErrMalformedFrame, h.Length)
	}
	if h.Length > MaxFrameSize {
		return header{}, fmt.Errorf("%w: declared length %d", domain.ErrFrameTooLarge, h.Length)
	}
	if buf[4] != 0 || buf[5] != 0 {
		return header{}, fmt.Errorf("%w: nonzero header padding", domain.ErrMalformedFrame)
	}
	return h, nil
}

// Reader reads protocol messages from a byte stream. The declared peer
// version selects body decoding; the frame header is version-invariant.
type Reader struct {
	r       io.Reader
	mu      sync.Mutex
	version uint8
	head    [HeaderSize]byte
}

// NewReader creates a Reader decoding at the given protocol version.
func NewReader(r io.Reader, version uint8) *Reader {
	return &Reader{r: r, version: version}
}

// SetVersion switches the declared peer version, e.g. after the agent
// has been identified and its provisioned version is known.
func (r *Reader) SetVersion(v uint8) {
	r.mu.Lock()
	r.version = v
	r.mu.Unlock()
}

// Version returns the declared peer version.
func (r *Reader) Version() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Next reads and decodes one message. Returns the underlying read error
// unchanged (io.EOF on clean close), ErrMalformedFrame on framing
// violations, ErrUnknownType for codes not recognized at the declared
// version.
func (r *Reader) Next() (Message, error) {
	if _, err := io.ReadFull(r.r, r.head[:]); err != nil {
		return nil, err
	}
	h, err := decodeHeader(r.head[:])
	if err != nil {
		return nil, err
	}
	body := make([]byte, h.Length-HeaderSize)
	if len(body) > 0 {
		if _, err := io.ReadFull(r.r, body); err != nil {
			return nil, fmt.Errorf("%w: body truncated: %v", domain.ErrMalformedFrame, err)
		}
	}
	return decodeBody(h.Type, h.Flags, body, r.Version())
}

// Writer writes protocol messages to a byte stream.
type Writer struct {
	w       io.Writer
	mu      sync.Mutex
	version uint8
}

// NewWriter creates a Writer encoding at the given protocol version.
func NewWriter(w io.Writer, version uint8) *Writer {
	return &Writer{w: w, version: version}
}

// SetVersion switches the encoding version.
func (w *Writer) SetVersion(v uint8) {
	w.mu.Lock()
	w.version = v
	w.mu.Unlock()
}

// Version returns the encoding version.
func (w *Writer) Version() uint8 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// Write encodes and writes one message.
func (w *Writer) Write(m Message) error {
	buf, err := Encode(m, w.Version())
	if err != nil {
		return err
	}
	_, err = w.w.Write(buf)
	return err
}

// latin1Bytes encodes a revision string as Latin-1, replacing
// out-of-range runes, NUL-padded to size.
func latin1Bytes(s string, size int) []byte {
	out := make([]byte, size)
	i := 0
	for _, r := range s {
		if i >= size {
			break
		}
		if r > 0xFF {
			r = '?'
		}
		out[i] = byte(r)
		i++
	}
	return out
}

// latin1String decodes Latin-1 bytes, stripping trailing NUL padding.
func latin1String(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	runes := make([]rune, end)
	for i := 0; i < end; i++ {
		runes[i] = rune(b[i])
	}
	return string(runes)
}
