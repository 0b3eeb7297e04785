package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/linesport/oddstream/errors"
)

// configSchema catches structural mistakes before unmarshalling, so a
// mistyped port or duration fails with a field path instead of a vague
// decode error. Durations are strings in Go syntax ("30s", "168h").
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "definitions": {
    "duration": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h)([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))*$"},
    "port": {"type": "integer", "minimum": 1024, "maximum": 65535}
  },
  "properties": {
    "version": {"type": "string"},
    "service": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "environment": {"type": "string"},
        "logLevel": {"type": "string", "enum": ["debug", "info", "warn", "error"]}
      }
    },
    "gateway": {
      "type": "object",
      "properties": {
        "port": {"$ref": "#/definitions/port"},
        "path": {"type": "string", "minLength": 1},
        "pingInterval": {"$ref": "#/definitions/duration"},
        "readTimeout": {"$ref": "#/definitions/duration"},
        "writeTimeout": {"$ref": "#/definitions/duration"}
      }
    },
    "registry": {
      "type": "object",
      "properties": {
        "queueSize": {"type": "integer", "minimum": 1},
        "cooldown": {"$ref": "#/definitions/duration"},
        "closeOnBackpressureLimit": {"type": "boolean"},
        "closeStreak": {"type": "integer", "minimum": 1}
      }
    },
    "dedup": {
      "type": "object",
      "properties": {
        "ttl": {"$ref": "#/definitions/duration"},
        "cleanupInterval": {"$ref": "#/definitions/duration"}
      }
    },
    "pool": {
      "type": "object",
      "properties": {
        "workers": {"type": "integer", "minimum": 0},
        "queueSize": {"type": "integer", "minimum": 1}
      }
    },
    "lifecycle": {
      "type": "object",
      "properties": {
        "activeTimeout": {"$ref": "#/definitions/duration"},
        "validationInterval": {"$ref": "#/definitions/duration"},
        "archivalDelay": {"$ref": "#/definitions/duration"},
        "deletionDelay": {"$ref": "#/definitions/duration"},
        "sweepInterval": {"$ref": "#/definitions/duration"}
      }
    },
    "storage": {
      "type": "object",
      "properties": {
        "mode": {"type": "string", "enum": ["memory", "nats", "redis"]}
      }
    },
    "nats": {
      "type": "object",
      "properties": {
        "url": {"type": "string"},
        "maxReconnects": {"type": "integer"},
        "reconnectWait": {"$ref": "#/definitions/duration"},
        "mirrorSubject": {"type": "string"}
      }
    },
    "redis": {
      "type": "object",
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "password": {"type": "string"},
        "db": {"type": "integer", "minimum": 0}
      }
    },
    "metrics": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "port": {"$ref": "#/definitions/port"},
        "path": {"type": "string", "minLength": 1}
      }
    }
  },
  "additionalProperties": false
}`

// validateSchema checks the raw YAML document against the embedded schema.
func validateSchema(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.WrapInvalid(err, "config", "validateSchema", "parse document")
	}

	// gojsonschema works on JSON, so round-trip through it.
	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return errors.WrapInvalid(err, "config", "validateSchema", "encode document")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(jsonDoc),
	)
	if err != nil {
		return errors.Wrap(err, "config", "validateSchema", "run schema validation")
	}

	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "validateSchema",
			strings.Join(msgs, "; "))
	}
	return nil
}
