package registration

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Wire field tags for the field-tagged binary encoding. Each field is
// encoded as [1-byte tag][4-byte big-endian length][value]; a registration
// is the concatenation of its fields in ascending tag order, with
// authOperations (tagAuthOperation) repeated once per tag.
const (
	tagUserFacingURLPrefix            uint8 = 1
	tagUpstreamHostAndPort            uint8 = 2
	tagUpstreamPath                   uint8 = 3
	tagTimeout                        uint8 = 4
	tagTimeoutTries                   uint8 = 5
	tagUploadFileSize                 uint8 = 6
	tagSticky                         uint8 = 7
	tagDisableChunkedTransferEncoding uint8 = 8
	tagAuthOperation                  uint8 = 9
	tagContentServiceType             uint8 = 10
	tagValidateUpstreamConnection     uint8 = 11
	tagAppName                        uint8 = 12
)

func putString(buf *bytes.Buffer, tag uint8, s string) {
	putBytes(buf, tag, []byte(s))
}

func putBytes(buf *bytes.Buffer, tag uint8, v []byte) {
	buf.WriteByte(tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	buf.Write(lenBuf[:])
	buf.Write(v)
}

func putInt32(buf *bytes.Buffer, tag uint8, n int) {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], uint32(int32(n)))
	putBytes(buf, tag, v[:])
}

func putBool(buf *bytes.Buffer, tag uint8, b bool) {
	v := byte(0)
	if b {
		v = 1
	}
	putBytes(buf, tag, []byte{v})
}

// Encode serializes r into the canonical field-tagged binary form. The
// result is what is written verbatim as a coordination-service node body
// and as an RPC payload field.
func Encode(r *Registration) []byte {
	var buf bytes.Buffer

	putString(&buf, tagUserFacingURLPrefix, r.UserFacingURLPrefix)
	putString(&buf, tagUpstreamHostAndPort, r.UpstreamHostAndPort)
	putString(&buf, tagUpstreamPath, r.UpstreamPath)
	putInt32(&buf, tagTimeout, r.Timeout)
	putInt32(&buf, tagTimeoutTries, r.TimeoutTries)
	putInt32(&buf, tagUploadFileSize, r.UploadFileSize)
	putBool(&buf, tagSticky, r.Sticky)
	putBool(&buf, tagDisableChunkedTransferEncoding, r.DisableChunkedTransferEncoding)
	for _, op := range r.AuthOperations {
		putString(&buf, tagAuthOperation, op)
	}
	putString(&buf, tagContentServiceType, r.ContentServiceType.String())
	putBool(&buf, tagValidateUpstreamConnection, r.ValidateUpstreamConnection)
	putString(&buf, tagAppName, r.AppName)

	// Unknown fields round-trip verbatim, in tag order, preserving
	// forward compatibility with encoders newer than this build.
	tags := make([]uint8, 0, len(r.Unknown))
	for t := range r.Unknown {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	for _, t := range tags {
		for _, v := range r.Unknown[t] {
			putBytes(&buf, t, v)
		}
	}

	return buf.Bytes()
}

// Decode parses a field-tagged binary registration, the inverse of
// Encode. Tags this build does not recognize are preserved verbatim in
// Unknown rather than discarded.
func Decode(data []byte) (*Registration, error) {
	r := &Registration{Unknown: map[uint8][][]byte{}}
	var authOps []string

	for off := 0; off < len(data); {
		if off+5 > len(data) {
			return nil, fmt.Errorf("registration codec: truncated field header at offset %d", off)
		}
		tag := data[off]
		length := binary.BigEndian.Uint32(data[off+1 : off+5])
		start := off + 5
		end := start + int(length)
		if end < start || end > len(data) {
			return nil, fmt.Errorf("registration codec: field %d length %d overruns buffer", tag, length)
		}
		value := data[start:end]
		off = end

		switch tag {
		case tagUserFacingURLPrefix:
			r.UserFacingURLPrefix = string(value)
		case tagUpstreamHostAndPort:
			r.UpstreamHostAndPort = string(value)
		case tagUpstreamPath:
			r.UpstreamPath = string(value)
		case tagTimeout:
			r.Timeout = decodeInt32(value)
		case tagTimeoutTries:
			r.TimeoutTries = decodeInt32(value)
		case tagUploadFileSize:
			r.UploadFileSize = decodeInt32(value)
		case tagSticky:
			r.Sticky = decodeBool(value)
		case tagDisableChunkedTransferEncoding:
			r.DisableChunkedTransferEncoding = decodeBool(value)
		case tagAuthOperation:
			authOps = append(authOps, string(value))
		case tagContentServiceType:
			ct, err := ParseContentServiceType(string(value))
			if err != nil {
				return nil, fmt.Errorf("registration codec: %w", err)
			}
			r.ContentServiceType = ct
		case tagValidateUpstreamConnection:
			r.ValidateUpstreamConnection = decodeBool(value)
		case tagAppName:
			r.AppName = string(value)
		default:
			cp := append([]byte(nil), value...)
			r.Unknown[tag] = append(r.Unknown[tag], cp)
		}
	}

	r.AuthOperations = authOps
	return r, nil
}

func decodeInt32(v []byte) int {
	if len(v) != 4 {
		return 0
	}
	return int(int32(binary.BigEndian.Uint32(v)))
}

func decodeBool(v []byte) bool {
	return len(v) == 1 && v[0] != 0
}
