package keywords

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/fn"
)

type stubModel struct {
	replies []string
	errs    []error
	calls   int
	users   []string
	systems []string
}

func (m *stubModel) ChatJSON(_ context.Context, system, user string, out any) error {
	i := m.calls
	m.calls++
	m.systems = append(m.systems, system)
	m.users = append(m.users, user)
	if i < len(m.errs) && m.errs[i] != nil {
		return m.errs[i]
	}
	reply := `{}`
	if i < len(m.replies) {
		reply = m.replies[i]
	}
	return json.Unmarshal([]byte(reply), out)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newGen(m Model) *Generator {
	opts := DefaultOptions()
	opts.Retry.Sleep = noSleep
	return New(m, opts)
}

func TestDetectOverride(t *testing.T) {
	tests := []struct {
		feedback string
		want     string
		ok       bool
	}{
		{"JUST use dollcore", "dollcore", true},
		{"use the keyword 'pastel goth'", "pastel goth", true},
		{"Use the keywords: vintage denim jacket", "vintage denim jacket", true},
		{"try gothic fashion instead", "gothic fashion", true},
		{`too broad. Try "buckeyes hoodie" please`, "buckeyes hoodie", true},
		{"vintage dresses only", "vintage dresses", true},
		{"wrong vibe, kawaii plush only.", "kawaii plush", true},
		{"use dollcore as the phrase", "dollcore", true},
		{"try something different", "", false},
		{"please try to be more specific", "", false},
		{"use more specific terms", "", false},
		{"these results are not relevant", "", false},
		{"don't use brand names", "", false},
		{"Do not use the keyword 'dollcore'", "", false},
		{"never use team names", "", false},
		{"no, just use dollcore", "dollcore", true},
		{"don't use brand names, try kawaii plush instead", "kawaii plush", true},
		{"try focusing on apparel", "", false},
		{"try using fewer words", "", false},
		{"try hiking boots", "hiking boots", true},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.feedback, func(t *testing.T) {
			got, ok := DetectOverride(tt.feedback)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("DetectOverride(%q) = %q, %v; want %q, %v", tt.feedback, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"Ohio State fan gear."`, "Ohio State fan gear"},
		{"one two three four five six seven", "one two three four five"},
		{"\n  spaced    out   \nsecond line", "spaced out"},
		{"kawaii doll accessories!!", "kawaii doll accessories"},
	}
	for _, tt := range tests {
		got, err := Format(tt.in, 5)
		if err != nil {
			t.Fatalf("Format(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("Format(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := Format(` "" ... `, 5); !errors.Is(err, domain.ErrInvalidGeneration) {
		t.Fatalf("expected ErrInvalidGeneration, got %v", err)
	}
}

func TestGenerateOverrideSkipsModel(t *testing.T) {
	m := &stubModel{}
	got, err := newGen(m).Generate(context.Background(), Request{
		ArticleText: "An article about dolls.",
		Host:        "www.example.com",
		Feedback:    "JUST use dollcore",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "dollcore" || m.calls != 0 {
		t.Fatalf("got %q after %d calls", got, m.calls)
	}
}

func TestGenerateCallsModel(t *testing.T) {
	m := &stubModel{replies: []string{`{"keywords":"Ohio State fan gear."}`}}
	got, err := newGen(m).Generate(context.Background(), Request{ArticleText: "Buckeyes win.", Host: "www.on3.com"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Ohio State fan gear" {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(m.users[0], "www.on3.com") || !strings.Contains(m.users[0], "Buckeyes win.") {
		t.Fatalf("prompt missing context: %s", m.users[0])
	}
}

func TestGenerateTruncatesArticleOnCharacters(t *testing.T) {
	m := &stubModel{replies: []string{`{"keywords":"crepe pans"}`}}
	opts := DefaultOptions()
	opts.Retry.Sleep = noSleep
	opts.MaxArticleChars = 5
	if _, err := New(m, opts).Generate(context.Background(), Request{ArticleText: "crème brûlée", Host: "h"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(m.users[0], "crème") {
		t.Fatalf("article not cut after five characters: %q", m.users[0])
	}
	if !utf8.ValidString(m.users[0]) {
		t.Fatal("prompt is not valid UTF-8")
	}
	if got := truncateRunes("日本語", 10); got != "日本語" {
		t.Fatalf("short text changed: %q", got)
	}
}

func TestGenerateFeedbackSteering(t *testing.T) {
	m := &stubModel{replies: []string{`{"keywords":"pastel doll accessories"}`}}
	_, err := newGen(m).Generate(context.Background(), Request{
		ArticleText:      "text",
		Host:             "h",
		Feedback:         "too generic, something cuter",
		PreviousKeywords: "doll",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m.users[0], `"doll"`) || !strings.Contains(m.users[0], "something cuter") {
		t.Fatalf("prompt should carry feedback and previous keywords: %s", m.users[0])
	}
	if !strings.Contains(m.systems[0], "editor feedback") {
		t.Fatal("system prompt should mention feedback")
	}
}

func TestGenerateMissingKeywordsNotRetried(t *testing.T) {
	m := &stubModel{replies: []string{`{"other":"x"}`}}
	_, err := newGen(m).Generate(context.Background(), Request{ArticleText: "x", Host: "h"})
	if !errors.Is(err, domain.ErrInvalidGeneration) {
		t.Fatalf("expected ErrInvalidGeneration, got %v", err)
	}
	if m.calls != 1 {
		t.Fatalf("invalid generation should not be retried, got %d calls", m.calls)
	}
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	boom := errors.New("ollama: chat: status 503")
	m := &stubModel{
		errs:    []error{boom, boom},
		replies: []string{"", "", `{"keywords":"fan gear"}`},
	}
	got, err := newGen(m).Generate(context.Background(), Request{ArticleText: "x", Host: "h"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "fan gear" || m.calls != 3 {
		t.Fatalf("got %q after %d calls", got, m.calls)
	}

	m = &stubModel{errs: []error{boom, boom, boom}}
	_, err = newGen(m).Generate(context.Background(), Request{ArticleText: "x", Host: "h"})
	var re *fn.RetryError
	if !errors.As(err, &re) || re.Attempts != 3 {
		t.Fatalf("expected RetryError after 3 attempts, got %v", err)
	}
}
