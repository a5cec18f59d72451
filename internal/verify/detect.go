package verify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/mod/modfile"
)

// packageJSON is the subset of package.json the detector probes
type packageJSON struct {
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// DetectStages derives verification stages by probing for known
// project markers. Best-effort: an unrecognized project yields zero
// stages and verification trivially passes. That fail-open choice is
// deliberate; blocking unknown project types would stall every project
// the detector has never seen.
func DetectStages(dir string) []Stage {
	if stages := detectGoStages(dir); stages != nil {
		return stages
	}
	if stages := detectNodeStages(dir); stages != nil {
		return stages
	}
	return nil
}

// detectGoStages probes for a parseable go.mod
func detectGoStages(dir string) []Stage {
	raw, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil {
		return nil
	}
	if _, err := modfile.Parse("go.mod", raw, nil); err != nil {
		return nil
	}

	stages := []Stage{
		{Type: StageBuild, Name: "go build", Command: "go build ./...", Required: true, Timeout: 5 * time.Minute},
		{Type: StageTypecheck, Name: "go vet", Command: "go vet ./...", Required: true, Timeout: 5 * time.Minute},
		{Type: StageTest, Name: "go test", Command: "go test ./...", Required: true, Timeout: 10 * time.Minute},
	}
	if _, err := os.Stat(filepath.Join(dir, ".golangci.yml")); err == nil {
		stages = append(stages, Stage{
			Type: StageLint, Name: "golangci-lint", Command: "golangci-lint run ./...",
			Required: false, Timeout: 5 * time.Minute,
		})
	}
	return stages
}

// detectNodeStages probes package.json scripts and dependencies
func detectNodeStages(dir string) []Stage {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil
	}
	var pkg packageJSON
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil
	}

	var stages []Stage
	if _, ok := pkg.Scripts["build"]; ok {
		stages = append(stages, Stage{
			Type: StageBuild, Name: "npm build", Command: "npm run build",
			Required: true, Timeout: 10 * time.Minute,
		})
	}
	if hasDep(&pkg, "typescript") || fileExists(filepath.Join(dir, "tsconfig.json")) {
		stages = append(stages, Stage{
			Type: StageTypecheck, Name: "tsc", Command: "npx tsc --noEmit",
			Required: true, Timeout: 5 * time.Minute,
		})
	}
	if _, ok := pkg.Scripts["lint"]; ok {
		stages = append(stages, Stage{
			Type: StageLint, Name: "lint", Command: "npm run lint",
			Required: false, Timeout: 5 * time.Minute,
		})
	} else if hasDep(&pkg, "eslint") {
		stages = append(stages, Stage{
			Type: StageLint, Name: "eslint", Command: "npx eslint .",
			Required: false, Timeout: 5 * time.Minute,
		})
	}
	if _, ok := pkg.Scripts["test"]; ok {
		stages = append(stages, Stage{
			Type: StageTest, Name: "npm test", Command: "npm test",
			Required: true, Timeout: 10 * time.Minute,
		})
	}
	return stages
}

func hasDep(pkg *packageJSON, name string) bool {
	if _, ok := pkg.Dependencies[name]; ok {
		return true
	}
	_, ok := pkg.DevDependencies[name]
	return ok
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
