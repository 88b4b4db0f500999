package dashscope

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// transcriptionSchema is the part of a transcription document we rely on.
const transcriptionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["transcripts"],
  "properties": {
    "file_url": {"type": "string"},
    "transcripts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["text"],
        "properties": {
          "channel_id": {"type": "integer"},
          "text": {"type": "string"},
          "sentences": {"type": "array"}
        }
      }
    }
  }
}`

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("transcription.json", strings.NewReader(transcriptionSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("transcription.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
