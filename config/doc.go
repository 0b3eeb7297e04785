// Package config loads and validates the application configuration.
//
// Configuration comes from a YAML file, then environment variables prefixed
// with ODDSTREAM_ override individual fields. Validation happens in two
// layers: a JSON-schema pass over the raw document catches type and range
// mistakes with field-level messages, then Validate enforces the semantic
// rules the schema cannot express.
package config
