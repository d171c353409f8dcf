package config

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchema rejects malformed config files before unmarshalling. It is
// deliberately loose about unknown keys so adding a field never breaks old
// binaries, but strict about the types and ranges of known ones.
const configSchema = `{
  "type": "object",
  "properties": {
    "bind_addr": {"type": "string"},
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "auth_token": {"type": "string"},
    "db_path": {"type": "string"},
    "orchestrator": {
      "type": "object",
      "properties": {
        "max_concurrent": {"type": "integer", "minimum": 1},
        "default_timeout_seconds": {"type": "integer", "minimum": 1},
        "max_retries": {"type": "integer", "minimum": 0},
        "retry_delay_ms": {"type": "integer", "minimum": 1},
        "max_payload_kb": {"type": "integer", "minimum": 1}
      }
    },
    "limiter": {
      "type": "object",
      "properties": {
        "tokens_per_minute": {"type": "integer", "minimum": 1},
        "max_concurrent_per_client": {"type": "integer", "minimum": 1},
        "bucket_ttl_minutes": {"type": "integer", "minimum": 1}
      }
    },
    "pool": {
      "type": "object",
      "properties": {
        "size": {"type": "integer", "minimum": 1},
        "busy_timeout_seconds": {"type": "integer", "minimum": 1},
        "acquire_timeout_seconds": {"type": "integer", "minimum": 1},
        "max_queue_size": {"type": "integer", "minimum": 1}
      }
    },
    "loop_guard": {
      "type": "object",
      "properties": {
        "max_depth": {"type": "integer", "minimum": 1},
        "max_chain_length": {"type": "integer", "minimum": 1},
        "blocked_pairs": {
          "type": "array",
          "items": {"type": "string", "pattern": "->"}
        }
      }
    },
    "maintenance": {
      "type": "object",
      "properties": {
        "cleanup_schedule": {"type": "string"},
        "reap_idle_minutes": {"type": "integer", "minimum": 1}
      }
    },
    "otel": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"type": "string", "enum": ["otlp-http", "stdout", "none"]},
        "endpoint": {"type": "string"},
        "service_name": {"type": "string"},
        "sample_rate": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "engines": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "base_url"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "base_url": {"type": "string", "minLength": 1},
          "model": {"type": "string"},
          "api_key_env": {"type": "string"},
          "timeout_seconds": {"type": "integer", "minimum": 1}
        }
      }
    },
    "default_engines": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
)

func compiledSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
		if err != nil {
			panic("config: embedded schema is not valid JSON: " + err.Error())
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", doc); err != nil {
			panic("config: " + err.Error())
		}
		schema, err = c.Compile("config.schema.json")
		if err != nil {
			panic("config: embedded schema does not compile: " + err.Error())
		}
	})
	return schema
}
