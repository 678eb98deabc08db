package adapters

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://tasksync.local/schemas/"

var payloadSchemaSources = map[string]string{
	"github-issues": `{
		"type": "object",
		"required": ["action", "issue"],
		"properties": {
			"action": {"type": "string"},
			"issue": {
				"type": "object",
				"required": ["number", "title", "state", "updated_at"],
				"properties": {
					"number": {"type": "integer", "minimum": 1},
					"title": {"type": "string"},
					"body": {"type": ["string", "null"]},
					"state": {"enum": ["open", "closed"]},
					"state_reason": {"type": ["string", "null"]},
					"updated_at": {"type": "string", "format": "date-time"},
					"labels": {
						"type": "array",
						"items": {"type": "object", "required": ["name"], "properties": {"name": {"type": "string"}}}
					},
					"assignee": {
						"type": ["object", "null"],
						"properties": {"login": {"type": "string"}}
					}
				}
			},
			"repository": {
				"type": "object",
				"properties": {"full_name": {"type": "string"}}
			},
			"changes": {"type": "object"}
		}
	}`,
	"linear-envelope": `{
		"type": "object",
		"required": ["action", "type", "data"],
		"properties": {
			"action": {"enum": ["create", "update", "remove"]},
			"type": {"type": "string"},
			"data": {"type": "object"},
			"updatedFrom": {"type": ["object", "null"]},
			"webhookTimestamp": {"type": "integer"}
		}
	}`,
	"linear-issue": `{
		"type": "object",
		"required": ["id", "title", "updatedAt"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"identifier": {"type": "string"},
			"title": {"type": "string"},
			"description": {"type": ["string", "null"]},
			"updatedAt": {"type": "string", "format": "date-time"},
			"state": {
				"type": ["object", "null"],
				"properties": {
					"id": {"type": "string"},
					"name": {"type": "string"},
					"type": {"type": "string"}
				}
			},
			"assignee": {
				"type": ["object", "null"],
				"properties": {"id": {"type": "string"}}
			},
			"assigneeId": {"type": ["string", "null"]},
			"stateId": {"type": ["string", "null"]}
		}
	}`,
	"notion-event": `{
		"type": "object",
		"required": ["id", "type", "timestamp", "entity"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"type": {"type": "string"},
			"timestamp": {"type": "string", "format": "date-time"},
			"entity": {
				"type": "object",
				"required": ["id", "type"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"type": {"type": "string"}
				}
			},
			"data": {
				"type": "object",
				"properties": {
					"properties": {"type": "object"},
					"updated_properties": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}`,
}

var (
	schemaOnce     sync.Once
	compiledSchema map[string]*jsonschema.Schema
	schemaErr      error
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat()
		for name, source := range payloadSchemaSources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
			if err != nil {
				schemaErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(schemaBaseURL+name+".json", doc); err != nil {
				schemaErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
		}
		compiled := make(map[string]*jsonschema.Schema, len(payloadSchemaSources))
		for name := range payloadSchemaSources {
			schema, err := compiler.Compile(schemaBaseURL + name + ".json")
			if err != nil {
				schemaErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			compiled[name] = schema
		}
		compiledSchema = compiled
	})
	return compiledSchema, schemaErr
}

// decodeAndValidate parses body as JSON and validates it against the named
// schema. Both decode and validation failures are malformed payloads.
func decodeAndValidate(platform, schemaName string, body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, malformed(platform, "empty body", nil)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, malformed(platform, "invalid json", err)
	}
	if err := validateDocument(platform, schemaName, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func validateDocument(platform, schemaName string, doc any) error {
	schemas, err := compileSchemas()
	if err != nil {
		return fmt.Errorf("%s: %w", platform, err)
	}
	schema, ok := schemas[schemaName]
	if !ok {
		return fmt.Errorf("%s: unknown schema %s", platform, schemaName)
	}
	if err := schema.Validate(doc); err != nil {
		return malformed(platform, "schema mismatch", err)
	}
	return nil
}
