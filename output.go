package setfarm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// StoriesKey is the output key a loop source step must emit: its value is a
// JSON array of story records.
const StoriesKey = "STORIES_JSON"

// keyLine matches the start of a declared output: an uppercase ASCII
// identifier followed by a colon. Everything after "KEY: " up to the next key
// line belongs to the value, so multiline values (including pretty-printed
// JSON) need no escaping.
var keyLine = regexp.MustCompile(`^([A-Z][A-Z0-9_]*):(?: (.*))?$`)

// ParseOutputs parses an agent's raw output into KEY/value pairs.
//
// Grammar: a value starts after "KEY: " and continues until the next line
// matching ^[A-Z][A-Z0-9_]*: or end of input. Lines before the first key are
// ignored (agents often emit prose preamble). Trailing whitespace of each
// value is trimmed; interior newlines are preserved. Duplicate keys keep the
// last occurrence.
func ParseOutputs(raw string) map[string]string {
	out := make(map[string]string)
	var key string
	var val []string

	flush := func() {
		if key != "" {
			out[key] = strings.TrimRight(strings.Join(val, "\n"), " \t\n")
		}
	}

	for _, line := range strings.Split(raw, "\n") {
		if m := keyLine.FindStringSubmatch(line); m != nil {
			flush()
			key = m[1]
			val = val[:0]
			if m[2] != "" {
				val = append(val, m[2])
			}
			continue
		}
		if key != "" {
			val = append(val, line)
		}
	}
	flush()
	return out
}

// ValidateOutputs checks that every required key is present and non-empty.
// Violations return a KindParse error naming the missing keys.
func ValidateOutputs(outputs map[string]string, required []string) error {
	var missing []string
	for _, k := range required {
		if strings.TrimSpace(outputs[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return E(KindParse, "validate outputs", "missing required keys: %s", strings.Join(missing, ", "))
}

// FormatOutputs renders KEY/value pairs back into the wire grammar, keys
// sorted for determinism. Inverse of ParseOutputs for values that do not
// themselves contain key lines.
func FormatOutputs(outputs map[string]string) string {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, outputs[k])
	}
	return b.String()
}

// StorySeed is one record of a STORIES_JSON array.
type StorySeed struct {
	StoryID string `json:"story_id"`
	Title   string `json:"title"`
	Input   string `json:"input"`
}

// ExtractStories pulls the STORIES_JSON array out of a source step's raw
// output. A missing key, invalid JSON, or a record without story_id is a
// KindParse error; the caller treats that as a step failure.
func ExtractStories(raw string) ([]StorySeed, error) {
	v, ok := ParseOutputs(raw)[StoriesKey]
	if !ok {
		return nil, E(KindParse, "extract stories", "source output has no %s", StoriesKey)
	}
	var seeds []StorySeed
	if err := json.Unmarshal([]byte(v), &seeds); err != nil {
		return nil, Wrap(KindParse, "extract stories", err)
	}
	seen := make(map[string]bool, len(seeds))
	for i, s := range seeds {
		if s.StoryID == "" {
			return nil, E(KindParse, "extract stories", "record %d has empty story_id", i)
		}
		if seen[s.StoryID] {
			return nil, E(KindParse, "extract stories", "duplicate story_id %q", s.StoryID)
		}
		seen[s.StoryID] = true
	}
	return seeds, nil
}
