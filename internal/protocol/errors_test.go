package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	for _, code := range []string{
		ErrProtoBadRequest, ErrAuthFailed, ErrSessionExpired,
		ErrSessionEvicted, ErrHeartbeatKick, ErrNoPermission,
		ErrBadQuery, ErrNotFound, ErrInternal,
	} {
		if !IsKnownCode(code) {
			t.Fatalf("IsKnownCode(%q) = false, want true", code)
		}
	}
	if !IsKnownCode("") {
		t.Fatalf("empty code should be accepted")
	}
	if IsKnownCode("E_MADE_UP") {
		t.Fatalf("unknown code should be rejected")
	}
}
