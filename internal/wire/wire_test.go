package wire

import (
	"bufio"
	"errors"
	"strings"
	"testing"

	"github.com/iotgate/iotgate/internal/domain"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Frame{
		Type:     TypeStatusUpd,
		ObjID:    "obj-42",
		SrvID:    "svc-7",
		UsrID:    "usr-1",
		Instance: "i-1",
		Payload:  "temp=21.5;unit=°C\nline2",
	}
	line := in.Encode()
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("encoded frame must end with newline, got %q", line)
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("payload newline must be escaped, got %q", line)
	}

	out, err := Decode(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	line := Frame{Type: TypeHB}.Encode()
	if line != "type=HB\n" {
		t.Fatalf("expected bare heartbeat frame, got %q", line)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"\n",
		"obj=x;type=CMD",       // type not first
		"type=CMD;payload",     // field without '='
		"type=CMD;payload=%zz", // bad escape
		"obj=x",                // missing type
	}
	for _, c := range cases {
		if _, err := Decode(c); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("Decode(%q): expected ErrMalformedFrame, got %v", c, err)
		}
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	f, err := Decode("type=CMD;obj=o1;future=stuff\n")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != TypeCmd || f.ObjID != "o1" {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestReadFrame(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("type=HB\ntype=CMD;obj=o1\n"))
	f1, err := ReadFrame(r)
	if err != nil || f1.Type != TypeHB {
		t.Fatalf("first frame: %+v, %v", f1, err)
	}
	f2, err := ReadFrame(r)
	if err != nil || f2.Type != TypeCmd || f2.ObjID != "o1" {
		t.Fatalf("second frame: %+v, %v", f2, err)
	}
}

func TestRequiredPermission(t *testing.T) {
	cases := []struct {
		typ      Type
		want     domain.PermissionType
		routable bool
	}{
		{TypeCmd, domain.PermActions, true},
		{TypeCfg, domain.PermCoOwner, true},
		{TypeHistoryReq, domain.PermStatus, true},
		{TypeStatusUpd, domain.PermStatus, true},
		{TypeObjStruct, domain.PermStatus, true},
		{TypeHello, domain.PermNone, false},
		{TypeHB, domain.PermNone, false},
	}
	for _, c := range cases {
		got, routable := RequiredPermission(c.typ)
		if got != c.want || routable != c.routable {
			t.Fatalf("RequiredPermission(%s) = %s/%v, want %s/%v", c.typ, got, routable, c.want, c.routable)
		}
	}
}

func TestMissingPermissionFrame(t *testing.T) {
	f := MissingPermissionFrame(&domain.MissingPermissionError{
		ObjID:    "o1",
		SrvID:    "svc-7",
		Required: domain.PermCoOwner,
		Actual:   domain.PermActions,
		Scope:    domain.ScopeLocalAndCloud,
	})
	if f.Type != TypeError {
		t.Fatalf("expected ERROR frame, got %s", f.Type)
	}
	if !strings.Contains(f.Payload, "required=CoOwner") || !strings.Contains(f.Payload, "actual=Actions") {
		t.Fatalf("payload must name required and actual levels, got %q", f.Payload)
	}
}
