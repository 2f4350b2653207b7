package labs

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// pageResultSchema is the shape every per-page model response must satisfy.
// Anything else is treated as a failed page and skipped by the orchestrator.
const pageResultSchema = `{
  "type": "object",
  "required": ["tests"],
  "properties": {
    "sample_date": {"type": ["string", "null"]},
    "tests": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["value"],
        "properties": {
          "value": {"type": "number"},
          "unit": {"type": ["string", "null"]},
          "flag": {"type": ["string", "null"]},
          "ref_low": {"type": ["number", "null"]},
          "ref_high": {"type": ["number", "null"]}
        }
      }
    }
  }
}`

var pageSchema = jsonschema.MustCompileString("page_result.json", pageResultSchema)

// ParsePageResult validates raw model output against the page schema and
// decodes it. Markdown code fences around the JSON are tolerated.
func ParsePageResult(raw []byte) (PageResult, error) {
	raw = stripCodeFence(raw)
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return PageResult{}, fmt.Errorf("parse page json: %w", err)
	}
	if err := pageSchema.Validate(doc); err != nil {
		return PageResult{}, fmt.Errorf("page json shape: %w", err)
	}
	var res PageResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return PageResult{}, fmt.Errorf("decode page json: %w", err)
	}
	if res.Tests == nil {
		res.Tests = map[string]TestValue{}
	}
	return res, nil
}

// stripCodeFence removes a surrounding ```json ... ``` fence some models emit
// even when asked for bare JSON.
func stripCodeFence(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(trimmed, []byte("```")) {
		return trimmed
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte("```json"))
	trimmed = bytes.TrimPrefix(trimmed, []byte("```"))
	trimmed = bytes.TrimSuffix(bytes.TrimSpace(trimmed), []byte("```"))
	return bytes.TrimSpace(trimmed)
}
