package session

import (
	"errors"
	"testing"
)

func TestNormalCapability(t *testing.T) {
	s := New("alice", "tempZone")
	if s.ID == "" {
		t.Error("New did not assign an ID")
	}
	if got := s.Normal().Level(); got != PrivilegeNormal {
		t.Errorf("Normal().Level() = %v, want normal", got)
	}
	admin := &Session{User: "rods", Zone: "tempZone", Admin: true}
	if got := admin.Normal().Level(); got != PrivilegeNormal {
		t.Errorf("admin Normal().Level() = %v, want normal", got)
	}
}

func TestElevationIsScoped(t *testing.T) {
	s := New("alice", "tempZone")

	var leaked Capability
	err := WithElevatedPrivilege(s, func(c Capability) error {
		if c.Level() != PrivilegeElevated {
			t.Errorf("Level inside scope = %v, want elevated", c.Level())
		}
		leaked = c
		return nil
	})
	if err != nil {
		t.Fatalf("WithElevatedPrivilege: %v", err)
	}
	if leaked.Level() != PrivilegeNormal {
		t.Errorf("capability still elevated after scope: %v", leaked.Level())
	}
}

func TestElevationRevokedOnError(t *testing.T) {
	s := New("bob", "tempZone")
	boom := errors.New("boom")

	var leaked Capability
	err := WithElevatedPrivilege(s, func(c Capability) error {
		leaked = c
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if leaked.Level() != PrivilegeNormal {
		t.Error("capability survived an error exit")
	}
}

func TestSessionString(t *testing.T) {
	var nilSess *Session
	if nilSess.String() != "<nil session>" {
		t.Errorf("nil String = %q", nilSess.String())
	}
	if got := (&Session{User: "u", Zone: "z"}).String(); got != "u#z" {
		t.Errorf("String = %q, want u#z", got)
	}
}
