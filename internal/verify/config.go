package verify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ConfigFileName is the project-relative path of the optional
// verification config. Its absence triggers auto-detection.
const ConfigFileName = ".teamloop/verify.json"

// fileConfig is the on-disk shape of the verification config
type fileConfig struct {
	ProjectType string      `json:"project_type,omitempty"`
	Stages      []fileStage `json:"stages"`
}

type fileStage struct {
	Type           string `json:"type"`
	Name           string `json:"name,omitempty"`
	Command        string `json:"command"`
	Required       *bool  `json:"required,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	SuccessPattern string `json:"success_pattern,omitempty"`
	FailurePattern string `json:"failure_pattern,omitempty"`
}

// configSchema validates the config file before use so a malformed
// file fails loudly at load time instead of producing a half-built
// pipeline.
const configSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["stages"],
	"properties": {
		"project_type": {"type": "string"},
		"stages": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type", "command"],
				"properties": {
					"type": {"enum": ["build", "typecheck", "lint", "test", "custom"]},
					"name": {"type": "string"},
					"command": {"type": "string", "minLength": 1},
					"required": {"type": "boolean"},
					"timeout_seconds": {"type": "integer", "minimum": 1},
					"success_pattern": {"type": "string"},
					"failure_pattern": {"type": "string"}
				}
			}
		}
	}
}`

// LoadStages returns the verification stages for a project directory:
// the schema-validated config file when present, auto-detected stages
// otherwise.
func LoadStages(dir string) ([]Stage, error) {
	path := filepath.Join(dir, ConfigFileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DetectStages(dir), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ConfigFileName, err)
	}
	return parseConfig(raw)
}

func parseConfig(raw []byte) ([]Stage, error) {
	if err := validateConfig(raw); err != nil {
		return nil, fmt.Errorf("invalid verification config: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse verification config: %w", err)
	}

	stages := make([]Stage, 0, len(fc.Stages))
	for _, fs := range fc.Stages {
		stage := Stage{
			Type:           StageType(fs.Type),
			Name:           fs.Name,
			Command:        fs.Command,
			Required:       true,
			SuccessPattern: fs.SuccessPattern,
			FailurePattern: fs.FailurePattern,
		}
		if fs.Required != nil {
			stage.Required = *fs.Required
		}
		if fs.Name == "" {
			stage.Name = fs.Type
		}
		if fs.TimeoutSeconds > 0 {
			stage.Timeout = time.Duration(fs.TimeoutSeconds) * time.Second
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func validateConfig(raw []byte) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return fmt.Errorf("failed to parse config schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("verify.schema.json", schemaDoc); err != nil {
		return fmt.Errorf("failed to register config schema: %w", err)
	}
	schema, err := compiler.Compile("verify.schema.json")
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("config is not valid JSON: %w", err)
	}
	return schema.Validate(doc)
}
