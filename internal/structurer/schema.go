package structurer

import "github.com/santhosh-tekuri/jsonschema/v5"

// resultSchema is the response contract. Validation happens locally so a
// model drifting from the schema is caught here, not deep in recipe creation.
const resultSchemaJSON = `{
	"type": "object",
	"required": ["title", "ingredients", "steps"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"ingredients": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["item"],
				"properties": {
					"qty": {"type": "string"},
					"unit": {"type": "string"},
					"item": {"type": "string", "minLength": 1}
				}
			}
		},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["index", "text"],
				"properties": {
					"index": {"type": "integer", "minimum": 0},
					"text": {"type": "string", "minLength": 1},
					"timestamp_offset": {"type": "number", "minimum": 0}
				}
			}
		}
	}
}`

var resultSchema = jsonschema.MustCompileString("structurer/result.json", resultSchemaJSON)
