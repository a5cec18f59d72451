// Package handoff recovers an agent's in-progress state across a hard
// replacement boundary (crash, context-window rotation) so the new
// agent instance resumes rather than restarts.
package handoff

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mkessler/teamloop/internal/types"
)

// Handoff block tag scanning. This is deliberately regex-based and
// forgiving: agents embed the block in arbitrary free text, and a
// single malformed sub-field must degrade to an empty value rather
// than discard the rest of the block. Only a totally absent block
// reports "no handoff found".
var (
	blockRe         = regexp.MustCompile(`(?s)<handoff\b([^>]*)>(.*?)</handoff>`)
	taskAttrRe      = regexp.MustCompile(`task="(\d+)"`)
	statusRe        = regexp.MustCompile(`(?s)<status>\s*(.*?)\s*</status>`)
	filesModifiedRe = regexp.MustCompile(`(?s)<files-modified>(.*?)</files-modified>`)
	filesToTouchRe  = regexp.MustCompile(`(?s)<files-to-touch>(.*?)</files-to-touch>`)
	fileTagRe       = regexp.MustCompile(`<file\b([^>]*?)/?>`)
	pathAttrRe      = regexp.MustCompile(`path="([^"]*)"`)
	linesAttrRe     = regexp.MustCompile(`lines="([^"]*)"`)
	functionsAttrRe = regexp.MustCompile(`functions="([^"]*)"`)
	reasonAttrRe    = regexp.MustCompile(`reason="([^"]*)"`)
	currentStateRe  = regexp.MustCompile(`(?s)<current-state>\s*(.*?)\s*</current-state>`)
	blockersRe      = regexp.MustCompile(`(?s)<blockers>\s*(.*?)\s*</blockers>`)
	nextStepsRe     = regexp.MustCompile(`(?s)<next-steps>\s*(.*?)\s*</next-steps>`)
	contextRe       = regexp.MustCompile(`(?s)<context>\s*(.*?)\s*</context>`)
)

// ParseHandoffBlock scans concatenated agent output for a handoff
// block. The second return is false when no block exists at all.
func ParseHandoffBlock(output string) (*types.ParsedHandoff, bool) {
	m := blockRe.FindStringSubmatch(output)
	if m == nil {
		return nil, false
	}
	attrs, body := m[1], m[2]

	parsed := &types.ParsedHandoff{
		Status: types.HandoffInProgress,
	}

	if tm := taskAttrRe.FindStringSubmatch(attrs); tm != nil {
		if id, err := strconv.Atoi(tm[1]); err == nil {
			parsed.TaskID = id
		}
	}

	if sm := statusRe.FindStringSubmatch(body); sm != nil {
		// Unrecognized values default to in_progress; one bad field
		// never rejects the whole block.
		if st := types.HandoffStatus(strings.TrimSpace(sm[1])); st.IsValid() {
			parsed.Status = st
		}
	}

	if fm := filesModifiedRe.FindStringSubmatch(body); fm != nil {
		for _, tag := range fileTagRe.FindAllStringSubmatch(fm[1], -1) {
			file := types.FileModification{
				Path:      attrValue(pathAttrRe, tag[1]),
				Lines:     attrValue(linesAttrRe, tag[1]),
				Functions: attrValue(functionsAttrRe, tag[1]),
			}
			if file.Path != "" {
				parsed.FilesModified = append(parsed.FilesModified, file)
			}
		}
	}

	if ft := filesToTouchRe.FindStringSubmatch(body); ft != nil {
		for _, tag := range fileTagRe.FindAllStringSubmatch(ft[1], -1) {
			file := types.PlannedFile{
				Path:   attrValue(pathAttrRe, tag[1]),
				Reason: attrValue(reasonAttrRe, tag[1]),
			}
			if file.Path != "" {
				parsed.FilesToTouch = append(parsed.FilesToTouch, file)
			}
		}
	}

	parsed.CurrentState = subField(currentStateRe, body)
	parsed.Blockers = subField(blockersRe, body)
	parsed.NextSteps = subField(nextStepsRe, body)
	parsed.Context = subField(contextRe, body)

	return parsed, true
}

func attrValue(re *regexp.Regexp, attrs string) string {
	if m := re.FindStringSubmatch(attrs); m != nil {
		return m[1]
	}
	return ""
}

func subField(re *regexp.Regexp, body string) string {
	if m := re.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}
