package expansion

import (
	"encoding/json"
	"regexp"
	"strings"
)

// subagentReply is the strict JSON contract the sub-agent is instructed
// to return.
type subagentReply struct {
	Synthesis      string   `json:"synthesis"`
	CitedIDs       []string `json:"citedIds"`
	NextSummaryIDs []string `json:"nextSummaryIds"`
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// parseSubagentReply extracts the structured reply: strict JSON first,
// then a fenced JSON block, then the bullet-section fallback. The
// boolean reports whether anything structured was recognized.
func parseSubagentReply(raw string) (subagentReply, bool) {
	trimmed := strings.TrimSpace(raw)

	var reply subagentReply
	if err := json.Unmarshal([]byte(trimmed), &reply); err == nil && (reply.Synthesis != "" || len(reply.CitedIDs) > 0 || len(reply.NextSummaryIDs) > 0) {
		return reply, true
	}

	if m := fencedJSONRe.FindStringSubmatch(trimmed); m != nil {
		if err := json.Unmarshal([]byte(m[1]), &reply); err == nil {
			return reply, true
		}
	}

	return parseBulletSections(trimmed)
}

// parseBulletSections recognizes "Cited IDs:" / "Next Summary IDs:"
// bullet lists in free-form replies. Everything before the first
// section header is the synthesis.
func parseBulletSections(raw string) (subagentReply, bool) {
	lines := strings.Split(raw, "\n")
	var reply subagentReply
	var synthesis []string
	section := ""
	found := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		switch {
		case strings.HasPrefix(lower, "cited ids:"):
			section = "cited"
			found = true
			continue
		case strings.HasPrefix(lower, "next summary ids:"):
			section = "next"
			found = true
			continue
		}

		if bullet, ok := strings.CutPrefix(trimmed, "- "); ok && section != "" {
			id := strings.TrimSpace(bullet)
			if id == "" {
				continue
			}
			if section == "cited" {
				reply.CitedIDs = append(reply.CitedIDs, id)
			} else {
				reply.NextSummaryIDs = append(reply.NextSummaryIDs, id)
			}
			continue
		}

		if section == "" {
			synthesis = append(synthesis, line)
		}
	}

	reply.Synthesis = strings.TrimSpace(strings.Join(synthesis, "\n"))
	return reply, found
}
