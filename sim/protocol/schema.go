package protocol

import "github.com/santhosh-tekuri/jsonschema/v5"

// envelopeSchemaJSON describes the message envelope. Payload shapes are
// checked per type by the reader.
const envelopeSchemaJSON = `{
  "type": "object",
  "required": ["now", "events"],
  "additionalProperties": false,
  "properties": {
    "now": {"type": "number", "minimum": 0},
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["timestamp", "type", "data"],
        "additionalProperties": false,
        "properties": {
          "timestamp": {"type": "number", "minimum": 0},
          "type": {"type": "string", "minLength": 1},
          "data": {"type": "object"}
        }
      }
    }
  }
}`

var envelopeSchema = jsonschema.MustCompileString("edc-message.schema.json", envelopeSchemaJSON)
