package setfarm

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestParseOutputs(t *testing.T) {
	raw := "I looked at the repo and here is my plan.\n" +
		"PLAN: refactor the parser\n" +
		"NOTES: first line\n" +
		"  second line, indented\n" +
		"\n" +
		"STATUS: done\n"
	got := ParseOutputs(raw)
	want := map[string]string{
		"PLAN":   "refactor the parser",
		"NOTES":  "first line\n  second line, indented",
		"STATUS": "done",
	}
	if len(got) != len(want) {
		t.Fatalf("parsed %d keys, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("outputs[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestParseOutputsEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		key  string
		want string
	}{
		{"duplicate keeps last", "RESULT: first\nRESULT: second\n", "RESULT", "second"},
		{"empty value", "DETAIL:\nNEXT: x\n", "DETAIL", ""},
		{"colon inside value", "NOTE: see also: the readme\n", "NOTE", "see also: the readme"},
		{"trailing whitespace trimmed", "SUMMARY: done  \t\n", "SUMMARY", "done"},
		{"indented line is continuation", "BODY: head\n  TAIL: not a key\n", "BODY", "head\n  TAIL: not a key"},
		{"underscore and digits in key", "STEP_2_OUT: ok\n", "STEP_2_OUT", "ok"},
	}
	for _, tt := range tests {
		got := ParseOutputs(tt.raw)
		if got[tt.key] != tt.want {
			t.Errorf("%s: outputs[%q] = %q, want %q", tt.name, tt.key, got[tt.key], tt.want)
		}
	}
}

func TestParseOutputsIgnoresNonKeys(t *testing.T) {
	got := ParseOutputs("no keys here\njust prose\nlower: case\n")
	if len(got) != 0 {
		t.Errorf("parsed %d keys from keyless output, want 0: %v", len(got), got)
	}
}

func TestParseOutputsMultilineJSON(t *testing.T) {
	raw := "STORIES_JSON: [\n  {\"story_id\": \"s1\"}\n]\nDONE: yes\n"
	got := ParseOutputs(raw)
	want := "[\n  {\"story_id\": \"s1\"}\n]"
	if got["STORIES_JSON"] != want {
		t.Errorf("STORIES_JSON = %q, want %q", got["STORIES_JSON"], want)
	}
}

func TestValidateOutputs(t *testing.T) {
	outputs := map[string]string{"PLAN": "x", "EMPTY": "", "BLANK": "   "}
	if err := ValidateOutputs(outputs, []string{"PLAN"}); err != nil {
		t.Errorf("ValidateOutputs with all keys present = %v, want nil", err)
	}
	err := ValidateOutputs(outputs, []string{"ZETA", "PLAN", "EMPTY", "BLANK"})
	if err == nil {
		t.Fatal("ValidateOutputs missed absent and empty keys")
	}
	if !IsKind(err, KindParse) {
		t.Errorf("kind = %q, want %q", KindOf(err), KindParse)
	}
	if want := "missing required keys: BLANK, EMPTY, ZETA"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want it to contain %q", err.Error(), want)
	}
}

func TestFormatOutputs(t *testing.T) {
	got := FormatOutputs(map[string]string{"B": "two", "A": "one"})
	want := "A: one\nB: two\n"
	if got != want {
		t.Errorf("FormatOutputs = %q, want %q", got, want)
	}
}

func TestExtractStories(t *testing.T) {
	seeds := []StorySeed{
		{StoryID: "auth", Title: "Add auth", Input: "wire the login flow"},
		{StoryID: "search", Title: "Add search", Input: "index the docs"},
	}
	js, err := json.Marshal(seeds)
	if err != nil {
		t.Fatal(err)
	}
	raw := "some preamble\nSTORIES_JSON: " + string(js) + "\n"
	got, err := ExtractStories(raw)
	if err != nil {
		t.Fatalf("ExtractStories: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("extracted %d stories, want 2", len(got))
	}
	for i := range seeds {
		if got[i] != seeds[i] {
			t.Errorf("story %d = %+v, want %+v", i, got[i], seeds[i])
		}
	}
}

func TestExtractStoriesErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no key", "PLAN: something else\n"},
		{"invalid json", "STORIES_JSON: not json\n"},
		{"empty story_id", `STORIES_JSON: [{"story_id": "", "title": "t"}]` + "\n"},
		{"duplicate story_id", `STORIES_JSON: [{"story_id": "a"}, {"story_id": "a"}]` + "\n"},
	}
	for _, tt := range tests {
		_, err := ExtractStories(tt.raw)
		if err == nil {
			t.Errorf("%s: ExtractStories = nil error, want KindParse", tt.name)
			continue
		}
		if !IsKind(err, KindParse) {
			t.Errorf("%s: kind = %q, want %q", tt.name, KindOf(err), KindParse)
		}
	}
}

func TestOutputGrammarProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	keyGen := gen.RegexMatch(`[A-Z][A-Z0-9_]{0,7}`)
	valGen := gen.RegexMatch(`[a-z]([a-z0-9 ]{0,18}[a-z0-9])?`)

	properties.Property("format then parse is identity", prop.ForAll(
		func(m map[string]string) bool {
			got := ParseOutputs(FormatOutputs(m))
			if len(got) != len(m) {
				return false
			}
			for k, v := range m {
				if got[k] != v {
					return false
				}
			}
			return true
		},
		gen.MapOf(keyGen, valGen),
	))

	properties.Property("prose preamble never changes the parse", prop.ForAll(
		func(m map[string]string, preamble string) bool {
			got := ParseOutputs(preamble + "\n" + FormatOutputs(m))
			if len(got) != len(m) {
				return false
			}
			for k, v := range m {
				if got[k] != v {
					return false
				}
			}
			return true
		},
		gen.MapOf(keyGen, valGen),
		gen.RegexMatch(`[a-z][a-z ]{0,30}`),
	))

	properties.Property("duplicate key keeps the last value", prop.ForAll(
		func(key, first, last string) bool {
			raw := fmt.Sprintf("%s: %s\n%s: %s\n", key, first, key, last)
			return ParseOutputs(raw)[key] == last
		},
		keyGen, valGen, valGen,
	))

	properties.Property("extraction preserves story order", prop.ForAll(
		func(n int) bool {
			seeds := make([]StorySeed, n)
			for i := range seeds {
				seeds[i] = StorySeed{StoryID: fmt.Sprintf("story-%d", i), Title: fmt.Sprintf("Story %d", i)}
			}
			js, err := json.Marshal(seeds)
			if err != nil {
				return false
			}
			got, err := ExtractStories("STORIES_JSON: " + string(js) + "\n")
			if err != nil || len(got) != n {
				return false
			}
			for i := range got {
				if got[i].StoryID != seeds[i].StoryID {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 25),
	))

	properties.TestingRun(t)
}
