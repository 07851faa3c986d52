package registration

import "testing"

func sample() *Registration {
	return &Registration{
		UserFacingURLPrefix:        "app.example.com/foo",
		UpstreamHostAndPort:        "10.0.0.1:8443",
		UpstreamPath:               "/bar",
		Timeout:                    30,
		TimeoutTries:               2,
		UploadFileSize:             0,
		Sticky:                     true,
		AuthOperations:             []string{DefaultAuthOperation},
		ContentServiceType:         ContentTypeProxy,
		ValidateUpstreamConnection: true,
		AppName:                    "demo",
	}
}

func TestEncodeDecode_Roundtrip(t *testing.T) {
	r := sample()
	out, err := Decode(Encode(r))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if out.UserFacingURLPrefix != r.UserFacingURLPrefix {
		t.Errorf("UserFacingURLPrefix: got %q want %q", out.UserFacingURLPrefix, r.UserFacingURLPrefix)
	}
	if out.UpstreamHostAndPort != r.UpstreamHostAndPort {
		t.Errorf("UpstreamHostAndPort: got %q want %q", out.UpstreamHostAndPort, r.UpstreamHostAndPort)
	}
	if out.Timeout != r.Timeout || out.TimeoutTries != r.TimeoutTries {
		t.Errorf("timeout fields mismatch: got %+v", out)
	}
	if out.Sticky != r.Sticky {
		t.Errorf("Sticky: got %v want %v", out.Sticky, r.Sticky)
	}
	if out.ContentServiceType != r.ContentServiceType {
		t.Errorf("ContentServiceType: got %v want %v", out.ContentServiceType, r.ContentServiceType)
	}
	if len(out.AuthOperations) != 1 || out.AuthOperations[0] != DefaultAuthOperation {
		t.Errorf("AuthOperations: got %v", out.AuthOperations)
	}
}

func TestDecode_PreservesUnknownFields(t *testing.T) {
	r := sample()
	encoded := Encode(r)

	// Append an unrecognized field (tag 200) by hand.
	encoded = append(encoded, 200, 0, 0, 0, 3, 'x', 'y', 'z')

	out, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out.Unknown[200]) != 1 || string(out.Unknown[200][0]) != "xyz" {
		t.Fatalf("expected unknown field 200=xyz, got %v", out.Unknown[200])
	}

	// Re-encoding must carry the unknown field forward.
	reEncoded := Encode(out)
	again, err := Decode(reEncoded)
	if err != nil {
		t.Fatalf("Decode (2nd pass): %v", err)
	}
	if len(again.Unknown[200]) != 1 || string(again.Unknown[200][0]) != "xyz" {
		t.Fatalf("unknown field lost on re-encode: %v", again.Unknown[200])
	}
}

func TestDecode_Truncated(t *testing.T) {
	if _, err := Decode([]byte{1, 0, 0}); err == nil {
		t.Fatal("expected error for truncated field header")
	}
}

func TestNodeName_DeterministicAndDistinct(t *testing.T) {
	r1 := sample()
	r2 := sample()
	if r1.NodeName() != r2.NodeName() {
		t.Errorf("expected identical node names for identical registrations")
	}

	r3 := sample()
	r3.UpstreamHostAndPort = "10.0.0.2:8443"
	if r1.NodeName() == r3.NodeName() {
		t.Errorf("expected different node names for different host:port")
	}
}

func TestServerNameAndLocation(t *testing.T) {
	r := &Registration{UserFacingURLPrefix: "app.example.com/foo"}
	if got := r.ServerName(); got != "app.example.com" {
		t.Errorf("ServerName: got %q", got)
	}
	if got := r.Location(); got != "/foo" {
		t.Errorf("Location: got %q", got)
	}

	noSlash := &Registration{UserFacingURLPrefix: "app.example.com"}
	if got := noSlash.Location(); got != "/" {
		t.Errorf("Location (no slash): got %q", got)
	}
}

func TestB62_DeterministicAndDistinct(t *testing.T) {
	if B62("app.example.com/foo") != B62("app.example.com/foo") {
		t.Error("expected deterministic encoding")
	}
	if B62("a") != B62("b") {
		return
	}
	t.Error("expected distinct encodings for distinct inputs")
}

func TestValidate(t *testing.T) {
	valid := sample()
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid registration to pass, got %v", err)
	}

	badPort := sample()
	badPort.UpstreamHostAndPort = "10.0.0.1:70000"
	if err := badPort.Validate(); err == nil {
		t.Error("expected error for out-of-range port")
	}

	badTimeout := sample()
	badTimeout.Timeout = 0
	if err := badTimeout.Validate(); err == nil {
		t.Error("expected error for timeout out of range")
	}

	noAuth := sample()
	noAuth.AuthOperations = nil
	if err := noAuth.Validate(); err == nil {
		t.Error("expected error for missing mandatory auth tag")
	}

	staticOnly := sample()
	staticOnly.ContentServiceType = ContentTypeStaticOnly
	staticOnly.UpstreamHostAndPort = ""
	if err := staticOnly.Validate(); err != nil {
		t.Errorf("STATIC_ONLY should skip host:port check, got %v", err)
	}
}
