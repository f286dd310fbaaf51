package httpd

import "github.com/xeipuuv/gojsonschema"

// postSchema is checked against every agent message POST before the
// typed decode, so malformed payloads fail with a reason instead of a
// half-populated struct.
const postSchemaJSON = `{
  "type": "object",
  "required": ["server_boot_time", "client_start_time", "messages"],
  "properties": {
    "server_boot_time": {"type": "string"},
    "client_start_time": {"type": "string"},
    "messages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["fqdn", "type"],
        "properties": {
          "fqdn": {"type": "string", "minLength": 1},
          "type": {
            "type": "string",
            "enum": ["DATA", "SESSION_CREATE_REQUEST", "SESSION_CREATE_RESPONSE",
                     "SESSION_TERMINATE", "SESSION_TERMINATE_ALL"]
          },
          "plugin": {"type": ["string", "null"]},
          "session_id": {"type": ["string", "null"]},
          "session_seq": {"type": ["integer", "null"]},
          "body": {}
        }
      }
    }
  }
}`

var postSchema = gojsonschema.NewStringLoader(postSchemaJSON)

// validatePost returns a short description of the first schema violation,
// or "" when the document conforms.
func validatePost(body []byte) string {
	result, err := gojsonschema.Validate(postSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return "malformed JSON"
	}
	if !result.Valid() {
		return result.Errors()[0].String()
	}
	return ""
}
