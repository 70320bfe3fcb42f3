package api

import (
	"testing"

	"github.com/coder/websocket"
)

type fakeConn struct {
	codes []websocket.StatusCode
}

func (f *fakeConn) Close(code websocket.StatusCode, _ string) error {
	f.codes = append(f.codes, code)
	return nil
}

func TestConnRegistry(t *testing.T) {
	t.Parallel()
	reg := NewConnRegistry(discardLogger())

	first, second := &fakeConn{}, &fakeConn{}
	reg.Register("s1", first)
	reg.Register("s1", second)

	if len(first.codes) != 1 || first.codes[0] != websocket.StatusPolicyViolation {
		t.Fatalf("replaced connection closes = %v", first.codes)
	}
	if reg.Active("s1") != second {
		t.Fatal("newest connection should be active")
	}

	reg.Unregister("s1", first)
	if reg.Len() != 1 {
		t.Fatal("unregistering a stale connection must keep the current one")
	}

	reg.CloseSession("s1", "done")
	if len(second.codes) != 1 || second.codes[0] != websocket.StatusNormalClosure {
		t.Fatalf("closed connection codes = %v", second.codes)
	}
	if reg.Len() != 0 || reg.Active("s1") != nil {
		t.Fatal("session should be detached after CloseSession")
	}

	reg.CloseSession("s1", "again")
	if len(second.codes) != 1 {
		t.Error("CloseSession on a detached session should not close again")
	}
}
