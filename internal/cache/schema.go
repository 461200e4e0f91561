package cache

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const recordSchemaURL = "livesync://cache/record.json"

// recordSchema describes the persisted record. Everything the store writes
// must satisfy it; anything read back that does not is treated as a miss.
const recordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["timestamp", "encounterData", "lastChecked"],
  "properties": {
    "timestamp": {"type": "string", "minLength": 1},
    "lastChecked": {"type": "string", "minLength": 1},
    "noteId": {"type": ["string", "null"]},
    "encounterData": {
      "type": "object",
      "properties": {
        "noteId": {"type": "string"},
        "createdAt": {"type": "string"},
        "rawTranscript": {"type": "string"},
        "soapNote": {
          "type": "object",
          "properties": {
            "subjective": {"type": "string"},
            "objective": {"type": "string"},
            "assessment": {"type": "string"},
            "plan": {"type": "string"},
            "chiefComplaint": {"type": "string"},
            "language": {"type": "string"},
            "medications": {
              "type": "array",
              "items": {
                "type": "object",
                "required": ["name"],
                "properties": {
                  "name": {"type": "string"},
                  "dosage": {"type": "string"},
                  "frequency": {"type": "string"}
                }
              }
            }
          }
        }
      }
    }
  }
}`

func compileRecordSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchema))
	if err != nil {
		return nil, fmt.Errorf("decode record schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(recordSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add record schema: %w", err)
	}
	return compiler.Compile(recordSchemaURL)
}

func validateRecord(schema *jsonschema.Schema, data []byte) error {
	if schema == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
