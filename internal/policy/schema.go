package policy

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaJSON describes the structural shape of a policy document.
// Semantic checks (windows, regexes, cross references) live in validate.go.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "tools": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "identity": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "trusted_channels": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["channel"],
            "additionalProperties": false,
            "properties": {
              "channel": {"type": "string", "minLength": 1},
              "users": {"type": "array", "items": {"type": "string"}},
              "roles": {"type": "array", "items": {"type": "string"}}
            }
          }
        },
        "default_roles": {"type": "array", "items": {"type": "string"}}
      }
    },
    "rate_limits": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "tools", "window_seconds", "max_calls"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "tools": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
          "window_seconds": {"type": "integer"},
          "max_calls": {"type": "integer"},
          "per_session": {"type": "boolean"},
          "users": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "dlp": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "include_builtin": {"type": "boolean"},
        "placeholder": {"type": "string"},
        "rules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "confidence"],
            "additionalProperties": false,
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "pattern": {"type": "string"},
              "confidence": {"type": "number"},
              "entropy": {
                "type": "object",
                "required": ["min_length", "threshold"],
                "additionalProperties": false,
                "properties": {
                  "min_length": {"type": "integer"},
                  "threshold": {"type": "number"}
                }
              }
            }
          }
        }
      }
    },
    "injection": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "canary_tokens": {"type": "array", "items": {"type": "string"}},
        "patterns": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "pattern"],
            "additionalProperties": false,
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "pattern": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    },
    "escalation": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "approval_ttl_seconds": {"type": "integer"},
        "first_use_tools": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "escalate_on": {"type": "array", "items": {"enum": ["high", "medium", "low"]}}
      }
    },
    "anomaly": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "window_seconds": {"type": "integer"},
        "spike_multiplier": {"type": "number"},
        "high_multiplier": {"type": "number"},
        "min_spike_calls": {"type": "integer"},
        "baseline_ttl_seconds": {"type": "integer"},
        "escalate_high": {"type": "boolean"},
        "rules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "expression"],
            "additionalProperties": false,
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "expression": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func policySchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("policy.schema.json", doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile("policy.schema.json")
	})
	return compiledSchema, schemaErr
}
