package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Authentication and session state.
	ErrAuthFailed     = "E_AUTH_FAILED"
	ErrSessionExpired = "E_SESSION_EXPIRED"
	ErrSessionEvicted = "E_SESSION_EVICTED"
	ErrHeartbeatKick  = "E_HEARTBEAT_TIMEOUT"

	// Query/action layer.
	ErrNoPermission = "E_NO_PERMISSION"
	ErrBadQuery     = "E_BAD_QUERY"
	ErrNotFound     = "E_NOT_FOUND"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrAuthFailed:      {},
	ErrSessionExpired:  {},
	ErrSessionEvicted:  {},
	ErrHeartbeatKick:   {},
	ErrNoPermission:    {},
	ErrBadQuery:        {},
	ErrNotFound:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
