package protocol

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Inbound (client -> server) message kinds and their schemas. Server-side
// frames are produced by us and are not re-validated.
var inboundSchemaFiles = map[string]string{
	TypeConfigRequest: "schemas/config_request.schema.json",
	TypeHeartbeat:     "schemas/heartbeat.schema.json",
	TypeQueryRequest:  "schemas/query_request.schema.json",
}

var inboundSchemas map[string]*jsonschema.Schema

func init() {
	inboundSchemas = make(map[string]*jsonschema.Schema, len(inboundSchemaFiles))
	for kind, path := range inboundSchemaFiles {
		raw, err := schemaFS.ReadFile(path)
		if err != nil {
			panic(fmt.Sprintf("protocol: missing embedded schema %s: %v", path, err))
		}
		s, err := jsonschema.CompileString(path, string(raw))
		if err != nil {
			panic(fmt.Sprintf("protocol: compile %s: %v", path, err))
		}
		inboundSchemas[kind] = s
	}
}

// ValidateInbound checks a raw client frame against the schema for its
// declared type. Unknown types are rejected.
func ValidateInbound(kind string, raw []byte) error {
	s, ok := inboundSchemas[kind]
	if !ok {
		return fmt.Errorf("unknown message type %q", kind)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
