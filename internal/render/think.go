package render

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// SplitThink pulls every <think>...</think> block out of content. Several
// blocks are joined with a blank line. An opening tag with no closing tag,
// as left by an answer cut off mid-thought, runs to the end of content.
func SplitThink(content string) (think, response string, found bool) {
	var thoughts []string
	var rest strings.Builder
	s := content
	for {
		start := strings.Index(s, thinkOpen)
		if start < 0 {
			rest.WriteString(s)
			break
		}
		found = true
		rest.WriteString(s[:start])
		s = s[start+len(thinkOpen):]

		end := strings.Index(s, thinkClose)
		if end < 0 {
			thoughts = append(thoughts, s)
			break
		}
		thoughts = append(thoughts, s[:end])
		s = s[end+len(thinkClose):]
	}
	if !found {
		return "", content, false
	}

	kept := thoughts[:0]
	for _, t := range thoughts {
		if t = strings.TrimSpace(t); t != "" {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, "\n\n"), strings.TrimSpace(rest.String()), true
}
