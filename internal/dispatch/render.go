package dispatch

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"github.com/ignite/mailpulse/internal/domain"
)

// Renderer resolves Liquid merge fields in campaign content. Parsed
// templates are cached by source text since a campaign renders the same
// subject and body for every recipient in a dispatch unit.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a renderer with the engine's default filters plus
// a nil-safe default filter.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()
	engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	return &Renderer{engine: engine}
}

// Bindings builds the merge-field scope for one recipient of one
// dispatch unit. Occurrence fields are zero-valued for one-shot sends.
func Bindings(c *domain.Campaign, contact *domain.Contact, occ *domain.Occurrence, now time.Time) map[string]interface{} {
	b := map[string]interface{}{
		"email":         contact.Email,
		"first_name":    contact.FirstName,
		"last_name":     contact.LastName,
		"campaign_name": c.Name,
		"date":          now.Format("2006-01-02"),
	}
	if occ != nil {
		b["sequence_number"] = occ.Sequence
		b["occurrence_date"] = occ.FireAt.Format("2006-01-02")
	}
	return b
}

// Render resolves one template string against the bindings. Unknown
// variables render empty rather than failing the send.
func (r *Renderer) Render(source string, bindings map[string]interface{}) (string, error) {
	if source == "" || !strings.Contains(source, "{{") && !strings.Contains(source, "{%") {
		return source, nil
	}

	var tpl *liquid.Template
	if cached, ok := r.cache.Load(source); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(source)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		r.cache.Store(source, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
