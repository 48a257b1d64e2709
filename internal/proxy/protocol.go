package proxy

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

// Header precedes every message: one type byte and a big-endian body length.
type Header struct {
	Type byte
	Len  uint32
}

func ReadHeader(r io.Reader) (Header, error) {
	var buf [constants.MessageHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return Header{Type: buf[0], Len: binary.BigEndian.Uint32(buf[1:])}, nil
}

func (h Header) Bytes() []byte {
	buf := make([]byte, constants.MessageHeaderSize)
	buf[0] = h.Type
	binary.BigEndian.PutUint32(buf[1:], h.Len)
	return buf
}

// WriteFrame writes a body-less message of type t.
func WriteFrame(w io.Writer, t byte) error {
	_, err := w.Write(Header{Type: t}.Bytes())
	return err
}

// ReadBody reads the body announced by h.
func ReadBody(r io.Reader, h Header) ([]byte, error) {
	if h.Len > constants.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", pkgerrors.ErrMessageTooLarge, h.Len)
	}
	body := make([]byte, h.Len)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

type Request struct {
	InstanceID int64
	DstIP      string
	DstPort    int
}

func (r Request) Address() string {
	return fmt.Sprintf("%s:%d", r.DstIP, r.DstPort)
}

type requestBody struct {
	MsgType    *string          `json:"msg_type"`
	InstanceID *json.RawMessage `json:"instance_id"`
	DstIP      *string          `json:"dst_ip"`
	DstPort    *json.RawMessage `json:"dst_port"`
}

// ParseRequest decodes a PROXY_REQUEST body. Every field is required and the
// inner message type has to match the outer one. Numeric fields are accepted
// as JSON numbers or as strings holding a decimal integer.
func ParseRequest(body []byte) (*Request, error) {
	var raw requestBody
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", pkgerrors.ErrMalformedMessage, err)
	}
	if raw.MsgType == nil || raw.InstanceID == nil || raw.DstIP == nil || raw.DstPort == nil {
		return nil, fmt.Errorf("%w: missing field", pkgerrors.ErrMalformedMessage)
	}
	if *raw.MsgType != constants.ProxyRequestMsgType {
		return nil, fmt.Errorf("%w: inner type %q", pkgerrors.ErrUnknownMessageType, *raw.MsgType)
	}

	instanceID, err := parseInt(*raw.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: instance_id: %w", pkgerrors.ErrMalformedMessage, err)
	}
	port, err := parseInt(*raw.DstPort)
	if err != nil {
		return nil, fmt.Errorf("%w: dst_port: %w", pkgerrors.ErrMalformedMessage, err)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: dst_port %d out of range", pkgerrors.ErrMalformedMessage, port)
	}
	if *raw.DstIP == "" {
		return nil, fmt.Errorf("%w: empty dst_ip", pkgerrors.ErrMalformedMessage)
	}

	return &Request{InstanceID: instanceID, DstIP: *raw.DstIP, DstPort: int(port)}, nil
}

func parseInt(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		s = strings.TrimSpace(s)
	}
	return strconv.ParseInt(s, 10, 64)
}
