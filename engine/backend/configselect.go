package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/WessleyAI/shopsearch/engine/domain"
)

// option is one selectable value and its human label.
type option struct {
	Value string
	Label string
}

// field is one config key the model chooses from a closed list.
type field struct {
	Key     string
	Options []option
}

func (f field) match(v string) (string, bool) {
	v = strings.TrimSpace(v)
	for _, o := range f.Options {
		if strings.EqualFold(v, o.Value) || (o.Label != "" && strings.EqualFold(v, o.Label)) {
			return o.Value, true
		}
	}
	return "", false
}

// selectConfig asks the model to pick one option per field. Any missing or
// out-of-list value discards the whole reply in favour of def.
func (b *base) selectConfig(ctx context.Context, system, user string, fields []field, def domain.PlatformConfig) domain.PlatformConfig {
	if b.deps.Model == nil {
		return def
	}
	var reply map[string]any
	if err := b.deps.Model.ChatJSON(ctx, system, user, &reply); err != nil {
		b.logger.Warn("backend: config selection failed, using default", "err", err)
		return def
	}

	out := make(domain.PlatformConfig, len(fields))
	for _, f := range fields {
		raw, _ := reply[f.Key].(string)
		v, ok := f.match(raw)
		if !ok {
			b.logger.Warn("backend: config value not allowed, using default", "key", f.Key, "value", raw)
			return def
		}
		out[f.Key] = v
	}
	b.logger.Info("backend: config selected", "config", out.Canonical())
	return out
}

// describeOptions renders a field's options for a prompt.
func describeOptions(f field) string {
	var b strings.Builder
	for _, o := range f.Options {
		if o.Label != "" && o.Label != o.Value {
			fmt.Fprintf(&b, "- %s: %s\n", o.Value, o.Label)
		} else {
			fmt.Fprintf(&b, "- %s\n", o.Value)
		}
	}
	return b.String()
}

func feedbackLine(feedback string) string {
	if strings.TrimSpace(feedback) == "" {
		return ""
	}
	return fmt.Sprintf("\nReviewer feedback to take into account: %s\n", feedback)
}
