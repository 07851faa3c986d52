package rpcserver

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// methodCode identifies a Control RPC method, per §4.10's wire format:
// [4-byte length][1-byte method code][payload].
type methodCode byte

const (
	methodPing                               methodCode = 1
	methodAddUpstreamServerRegistration      methodCode = 2
	methodRemoveUpstreamServerRegistration   methodCode = 3
	methodRemoveReverseProxiedPath           methodCode = 4
	methodIsUpstreamServerRegistered         methodCode = 5
	methodIsReverseProxiedPathRegistered     methodCode = 6
	methodGetAllUpstreamServerRegistrations  methodCode = 7
	methodGetRegistrationsForProxiedPath     methodCode = 8
	methodGetRegistrationsForApp             methodCode = 9
	methodAddServerCerts                     methodCode = 10
	methodRemoveServerCerts                  methodCode = 11
	methodIsServerCertPresent                methodCode = 12
	methodAddStaticContent                   methodCode = 13
	methodRemoveStaticContent                methodCode = 14
	methodIsStaticContentPresent             methodCode = 15
)

// statusCode is the response frame's status byte: 0 is OK, nonzero
// maps onto one of the typed errors in §7.
type statusCode byte

const (
	statusOK                   statusCode = 0
	statusRegistrationInvalid  statusCode = 1
	statusRegistrationNotFound statusCode = 2
	statusCertStoreError       statusCode = 3
	statusStaticContentError   statusCode = 4
	statusBadRequest           statusCode = 5
	statusInternal             statusCode = 6
)

const maxFrameSize = 64 * 1024 * 1024

// writeRequestFrame writes one request frame: [4-byte length][1-byte
// method][payload].
func writeRequestFrame(w io.Writer, method methodCode, payload []byte) error {
	return writeFrame(w, byte(method), payload)
}

// readRequestFrame reads one request frame.
func readRequestFrame(r io.Reader) (methodCode, []byte, error) {
	b, payload, err := readFrame(r)
	return methodCode(b), payload, err
}

// writeResponseFrame writes one response frame: [4-byte
// length][1-byte status][payload].
func writeResponseFrame(w io.Writer, status statusCode, payload []byte) error {
	return writeFrame(w, byte(status), payload)
}

// readResponseFrame reads one response frame.
func readResponseFrame(r io.Reader) (statusCode, []byte, error) {
	b, payload, err := readFrame(r)
	return statusCode(b), payload, err
}

func writeFrame(w io.Writer, tag byte, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+1))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write([]byte{tag}); err != nil {
		return fmt.Errorf("write frame tag: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return 0, nil, fmt.Errorf("frame too short: length %d", length)
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return body[0], body[1:], nil
}

// Field tags for RPC payloads, reusing the Registration Codec's
// general field-tagged binary scheme (tag, 4-byte big-endian length,
// value) rather than inventing a second framing for method arguments.
const (
	tagRegistration uint8 = 1
	tagPrefix       uint8 = 2
	tagServerName   uint8 = 3
	tagCertPEM      uint8 = 4
	tagKeyPEM       uint8 = 5
	tagAppName      uint8 = 6
	tagBool         uint8 = 7
	tagBytes        uint8 = 8
)

func putTLVString(buf *bytes.Buffer, tag uint8, s string) {
	putTLVBytes(buf, tag, []byte(s))
}

func putTLVBytes(buf *bytes.Buffer, tag uint8, v []byte) {
	buf.WriteByte(tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	buf.Write(lenBuf[:])
	buf.Write(v)
}

func putTLVBool(buf *bytes.Buffer, tag uint8, b bool) {
	v := byte(0)
	if b {
		v = 1
	}
	putTLVBytes(buf, tag, []byte{v})
}

// decodeTLVFields parses a sequence of [tag][4-byte length][value]
// fields into a tag-keyed multimap. Repeated occurrences of the same
// tag are appended in encounter order, which is what lets callers
// reconstruct parallel-field records (e.g. addStaticContent's
// (prefix, bytes) pairs) by zipping same-index entries across two
// tags, since both tags' entries are emitted in matching order.
func decodeTLVFields(data []byte) (map[uint8][][]byte, error) {
	out := map[uint8][][]byte{}
	for off := 0; off < len(data); {
		if off+5 > len(data) {
			return nil, fmt.Errorf("rpcserver: truncated field header at offset %d", off)
		}
		tag := data[off]
		length := binary.BigEndian.Uint32(data[off+1 : off+5])
		start := off + 5
		end := start + int(length)
		if end < start || end > len(data) {
			return nil, fmt.Errorf("rpcserver: field %d length %d overruns buffer", tag, length)
		}
		out[tag] = append(out[tag], append([]byte(nil), data[start:end]...))
		off = end
	}
	return out, nil
}

func decodeTLVBool(data []byte) bool {
	return len(data) == 1 && data[0] != 0
}
