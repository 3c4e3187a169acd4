package addr

import (
	"strings"
	"testing"
)

func TestDerive_Deterministic(t *testing.T) {
	owner := HashIdentity([]byte("owner"))
	record := HashIdentity([]byte("record"))

	a1, s1 := Derive(TagVault, owner, record)
	a2, s2 := Derive(TagVault, owner, record)

	if a1 != a2 {
		t.Errorf("same inputs produced different addresses: %s vs %s", a1, a2)
	}
	if string(s1) != string(s2) {
		t.Error("same inputs produced different seeds")
	}
	if !a1.Valid() {
		t.Errorf("derived address is not well formed: %s", a1)
	}
}

func TestDerive_DistinctPerTag(t *testing.T) {
	owner := HashIdentity([]byte("owner"))
	record := HashIdentity([]byte("record"))

	seen := map[Address]string{}
	for _, tag := range []string{TagVault, TagMint, TagAuction, TagWager} {
		a, _ := Derive(tag, owner, record)
		if prev, ok := seen[a]; ok {
			t.Errorf("tags %s and %s collide on %s", prev, tag, a)
		}
		seen[a] = tag
	}
}

func TestDerive_DistinctPerOwner(t *testing.T) {
	record := HashIdentity([]byte("record"))
	a1, _ := Derive(TagVault, HashIdentity([]byte("alice")), record)
	a2, _ := Derive(TagVault, HashIdentity([]byte("bob")), record)
	if a1 == a2 {
		t.Error("different owners derived the same vault address")
	}
}

func TestVerify(t *testing.T) {
	owner := HashIdentity([]byte("owner"))
	record := HashIdentity([]byte("record"))
	a, seed := Derive(TagVault, owner, record)

	if err := Verify(a, seed); err != nil {
		t.Errorf("genuine seed rejected: %v", err)
	}

	forged := append(Seed{}, seed...)
	forged[0] ^= 0xff
	if err := Verify(a, forged); err == nil {
		t.Error("forged seed accepted")
	}

	_, otherSeed := Derive(TagMint, owner, record)
	if err := Verify(a, otherSeed); err == nil {
		t.Error("seed for a different tag accepted")
	}
}

func TestParse(t *testing.T) {
	good := string(HashIdentity([]byte("x")))
	if _, err := Parse(good); err != nil {
		t.Errorf("unexpected error for %s: %v", good, err)
	}

	bad := []string{
		"",
		"zz",
		strings.Repeat("g", 64), // non-hex
		strings.ToUpper(good),   // uppercase rejected
		good[:63],
		good + "0",
	}
	for _, s := range bad {
		if _, err := Parse(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}
