package types

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

func TestSiloAddress_ParseRoundTrip(t *testing.T) {
	a := SiloAddress{Host: "10.0.0.7", Port: 11111, Generation: 1700000000123}
	got, err := ParseSiloAddress(a.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != a {
		t.Fatalf("parsed %+v, want %+v", got, a)
	}

	v6 := SiloAddress{Host: "::1", Port: 80, Generation: 3}
	if got, err := ParseSiloAddress(v6.String()); err != nil || got != v6 {
		t.Fatalf("ipv6: %+v %v", got, err)
	}

	for _, bad := range []string{"", "host:1", "host@1", "host:x@1", "host:1@x"} {
		if _, err := ParseSiloAddress(bad); err == nil {
			t.Errorf("ParseSiloAddress(%q) accepted", bad)
		}
	}
}

func TestSiloAddress_GenerationOrdering(t *testing.T) {
	old := SiloAddress{Host: "h", Port: 1, Generation: 1}
	fresh := SiloAddress{Host: "h", Port: 1, Generation: 2}
	if old == fresh || !old.SameEndpoint(fresh) {
		t.Fatal("restart must be a different silo on the same endpoint")
	}
	if old.Compare(fresh) >= 0 || fresh.Compare(old) <= 0 || old.Compare(old) != 0 {
		t.Fatal("Compare is not a total order on generation")
	}
}

func TestSiloAddress_JSONAsMapKey(t *testing.T) {
	a := SiloAddress{Host: "h", Port: 1, Generation: 5}
	in := map[SiloAddress]SiloStatus{a: StatusActive}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out map[SiloAddress]SiloStatus
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out[a] != StatusActive {
		t.Fatalf("decoded %v from %s", out, b)
	}

	var zero struct {
		S SiloAddress `json:"s"`
	}
	b, _ = json.Marshal(zero)
	if err := json.Unmarshal(b, &zero); err != nil || !zero.S.IsZero() {
		t.Fatalf("zero address round trip: %s %v", b, err)
	}
}

func TestSiloStatus_Text(t *testing.T) {
	for s := StatusNone; s <= StatusDead; s++ {
		b, _ := s.MarshalText()
		var got SiloStatus
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Fatalf("%s: got %s %v", s, got, err)
		}
	}
	var s SiloStatus
	if err := s.UnmarshalText([]byte("Zombie")); err == nil {
		t.Fatal("unknown status accepted")
	}
	if !StatusShuttingDown.IsTerminating() || StatusActive.IsTerminating() {
		t.Fatal("IsTerminating mismatch")
	}
}

func TestGrainID(t *testing.T) {
	id := uuid.MustParse("7f1b3c2e-0000-4000-8000-000000000001")
	g := GrainIDFromUUID(12, id)
	if g.String() != "12/7f1b3c2e000040008000000000000001" {
		t.Fatalf("String = %s", g)
	}
	a := GrainID{TypeCode: 1, Key: "z"}
	b := GrainID{TypeCode: 2, Key: "a"}
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 {
		t.Fatal("type code must order first")
	}
	if !(GrainID{}).IsZero() || a.IsZero() {
		t.Fatal("IsZero mismatch")
	}
}

func TestActivationAddress_Fresh(t *testing.T) {
	g := GrainID{TypeCode: 1, Key: "k"}
	s := SiloAddress{Host: "h", Port: 1, Generation: 1}
	a, b := NewActivationAddress(g, s), NewActivationAddress(g, s)
	if a.Activation == b.Activation || a.Activation == "" {
		t.Fatal("activation ids must be unique")
	}
	if a.IsZero() || !(ActivationAddress{}).IsZero() {
		t.Fatal("IsZero mismatch")
	}
}
