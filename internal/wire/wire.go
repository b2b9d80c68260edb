// Package wire implements the newline-delimited key-value frame protocol
// exchanged between gateway servers and their object/service clients.
//
// A frame is a single line of `key=value` fields joined by semicolons, with
// percent-escaped values; the first field is always the frame type:
//
//	type=STATUS_UPD;obj=obj-42;payload=temp%3D21.5
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/iotgate/iotgate/internal/domain"
)

// Type identifies the kind of payload a frame carries.
type Type string

// Frame types.
const (
	// Control frames.
	TypeHello Type = "HELLO" // identity binding, first frame on a connection
	TypeHB    Type = "HB"    // heartbeat
	TypeHBAck Type = "HB_ACK"
	TypeBye   Type = "BYE" // orderly shutdown
	TypeError Type = "ERROR"

	// Object-originated frames.
	TypeObjInfo      Type = "OBJ_INFO"
	TypeObjStruct    Type = "OBJ_STRUCT"
	TypeObjPerm      Type = "OBJ_PERM"
	TypeStatusUpd    Type = "STATUS_UPD"
	TypeHistoryRes   Type = "HISTORY_RES"
	TypeDisconnected Type = "OBJ_DISCONNECTED"

	// Service-originated frames.
	TypeCmd        Type = "CMD" // actuate a component
	TypeCfg        Type = "CFG" // change object configuration
	TypeHistoryReq Type = "HISTORY_REQ"

	// Broker-originated frames.
	TypeServicePerm Type = "SERVICE_PERM"
)

// MaxFrameBytes bounds a single encoded frame line, including the newline.
const MaxFrameBytes = 1 << 20

// ErrFrameTooLarge is returned when a peer sends a line over MaxFrameBytes.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// ErrMalformedFrame is returned for lines that do not parse as frames.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the unit of application traffic on a gateway connection.
type Frame struct {
	Type     Type
	ObjID    string
	SrvID    string
	UsrID    string
	Instance string
	Payload  string
}

// Encode renders the frame as a single newline-terminated line. Empty
// fields are omitted.
func (f Frame) Encode() string {
	var b strings.Builder
	b.WriteString("type=")
	b.WriteString(string(f.Type))
	appendField(&b, "obj", f.ObjID)
	appendField(&b, "srv", f.SrvID)
	appendField(&b, "usr", f.UsrID)
	appendField(&b, "instance", f.Instance)
	appendField(&b, "payload", f.Payload)
	b.WriteByte('\n')
	return b.String()
}

func appendField(b *strings.Builder, key, val string) {
	if val == "" {
		return
	}
	b.WriteByte(';')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(url.QueryEscape(val))
}

// Decode parses one frame line (with or without its trailing newline).
func Decode(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Frame{}, fmt.Errorf("%w: empty line", ErrMalformedFrame)
	}
	var f Frame
	for i, field := range strings.Split(line, ";") {
		key, raw, ok := strings.Cut(field, "=")
		if !ok {
			return Frame{}, fmt.Errorf("%w: field %q", ErrMalformedFrame, field)
		}
		val, err := url.QueryUnescape(raw)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: field %q: %v", ErrMalformedFrame, key, err)
		}
		switch key {
		case "type":
			if i != 0 {
				return Frame{}, fmt.Errorf("%w: type must be the first field", ErrMalformedFrame)
			}
			f.Type = Type(val)
		case "obj":
			f.ObjID = val
		case "srv":
			f.SrvID = val
		case "usr":
			f.UsrID = val
		case "instance":
			f.Instance = val
		case "payload":
			f.Payload = val
		default:
			// Unknown fields are skipped so the protocol can grow.
		}
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

// ReadFrame reads and decodes the next frame line from r.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if len(line) >= MaxFrameBytes {
			return Frame{}, ErrFrameTooLarge
		}
		return Frame{}, err
	}
	if len(line) > MaxFrameBytes {
		return Frame{}, ErrFrameTooLarge
	}
	return Decode(line)
}

// RequiredPermission returns the permission level the broker demands before
// routing a frame of the given type, and whether the type is routable at
// all. Control frames (HELLO, HB, BYE, ERROR) are not routed.
func RequiredPermission(t Type) (domain.PermissionType, bool) {
	switch t {
	case TypeCmd:
		return domain.PermActions, true
	case TypeCfg:
		return domain.PermCoOwner, true
	case TypeHistoryReq:
		return domain.PermStatus, true
	case TypeObjInfo, TypeObjStruct, TypeObjPerm, TypeStatusUpd,
		TypeHistoryRes, TypeDisconnected, TypeServicePerm:
		return domain.PermStatus, true
	}
	return domain.PermNone, false
}

// MissingPermissionFrame builds the ERROR frame sent back to a peer whose
// message was refused by the permission check.
func MissingPermissionFrame(e *domain.MissingPermissionError) Frame {
	return Frame{
		Type:    TypeError,
		ObjID:   e.ObjID,
		SrvID:   e.SrvID,
		UsrID:   e.UsrID,
		Payload: fmt.Sprintf("missing permission: required=%s, actual=%s, scope=%s", e.Required, e.Actual, e.Scope),
	}
}
