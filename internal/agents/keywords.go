package agents

import "regexp"

// focusKeywords maps a focus type to the patterns that signal a message
// belongs to it. Matching is case-insensitive on word boundaries.
var focusKeywords = map[string][]*regexp.Regexp{
	"social": compileAll(
		`\bchat\b`, `\btalk\b`, `\bhello\b`, `\bhi\b`, `\bgreet`,
		`\bfriend`, `\bthanks?\b`, `\bconversation\b`, `\bcatch up\b`,
	),
	"analysis": compileAll(
		`\banaly[sz]`, `\bdata\b`, `\breport`, `\bmetric`, `\bstatistic`,
		`\bcalculat`, `\btrend`, `\bchart`, `\bcompare\b`, `\bsummar`,
	),
	"devops": compileAll(
		`\bdeploy`, `\bdocker\b`, `\bkubernetes\b`, `\bk8s\b`, `\bserver`,
		`\bbuild\b`, `\bci\b`, `\bcd\b`, `\bpipeline`, `\binfra`,
		`\bterraform\b`, `\brelease`, `\brollback`, `\bcontainer`,
	),
	"creative": compileAll(
		`\bwrite\b`, `\bstory\b`, `\bpoem\b`, `\bdesign\b`, `\bcreative\b`,
		`\bart\b`, `\bdraft\b`, `\bbrainstorm`, `\bimagine\b`, `\bcompose\b`,
	),
	"research": compileAll(
		`\bresearch\b`, `\bpaper\b`, `\bstudy\b`, `\binvestigat`,
		`\bsource`, `\bliterature\b`, `\bcite\b`, `\bfind out\b`, `\blook up\b`,
	),
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// specialtyScore rates how well a message fits a focus type.
// 0, 1, 2, or >= 3 keyword matches map to 0.1, 0.6, 0.8, 1.0.
// Agents without a focus sit at a neutral 0.3.
func specialtyScore(message, focus string) float64 {
	patterns, ok := focusKeywords[focus]
	if !ok {
		return 0.3
	}
	matches := 0
	for _, re := range patterns {
		if re.MatchString(message) {
			matches++
			if matches >= 3 {
				break
			}
		}
	}
	switch matches {
	case 0:
		return 0.1
	case 1:
		return 0.6
	case 2:
		return 0.8
	default:
		return 1.0
	}
}
