// Package views renders the HTML pages served next to the JSON API.
package views

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/a-h/templ"

	"github.com/pavelanni/mirror/internal/i18n"
	"github.com/pavelanni/mirror/internal/model"
)

const styles = `body{font-family:system-ui,sans-serif;max-width:40rem;margin:2rem auto;padding:0 1rem;line-height:1.5;color:#222}
h1{font-size:1.6rem}h2{font-size:1.1rem;margin-top:1.5rem}.muted{color:#777;font-size:.9rem}.summary{font-style:italic}`

// Layout wraps body in the shared page chrome. titleID is a message ID.
func Layout(titleID string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := fmt.Fprintf(w,
			`<!DOCTYPE html><html lang="%s"><head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>%s · %s</title><style>%s</style></head><body>`,
			i18n.Lang(ctx), templ.EscapeString(i18n.T(ctx, titleID)), templ.EscapeString(i18n.T(ctx, "AppTitle")), styles,
		); err != nil {
			return err
		}
		if err := body.Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, `</body></html>`)
		return err
	})
}

// ResultPage shows the stored outcome of one session.
func ResultPage(view model.SessionView) templ.Component {
	return Layout("ResultTitle", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &page{w: w}
		p.tag("h1", view.Test.Title)
		p.tagClass("p", "muted", i18n.Tp(ctx, "ResultAnswered", len(view.Session.Answers)))

		switch view.Session.Status {
		case model.StatusPending:
			p.tag("p", i18n.T(ctx, "ResultNotStarted"))
		case model.StatusAnalyzing:
			p.tag("p", i18n.T(ctx, "ResultPending"))
		case model.StatusAnalyzed:
			renderResult(ctx, p, view.Session)
		}
		return p.err
	}))
}

func renderResult(ctx context.Context, p *page, sess model.Session) {
	payload, ok := sess.UserPayload.(map[string]any)
	if !ok {
		p.paragraphs(sess.UserResult)
		p.analyzedAt(ctx, sess)
		return
	}

	if title, ok := payload["title"].(string); ok && title != "" {
		p.tag("h2", title)
	}
	if summary, ok := payload["short_summary"].(string); ok && summary != "" {
		p.tagClass("p", "summary", summary)
	}
	if full, ok := payload["full_text"].(string); ok && full != "" {
		p.paragraphs(full)
	} else if sess.UserResult != "" && sess.UserResult != payload["short_summary"] {
		p.paragraphs(sess.UserResult)
	}

	for _, section := range []struct{ key, heading string }{
		{"strengths", "ResultStrengths"},
		{"blind_spots", "ResultBlindSpots"},
		{"advice", "ResultAdvice"},
	} {
		items := stringList(payload[section.key])
		if len(items) == 0 {
			continue
		}
		p.tag("h2", i18n.T(ctx, section.heading))
		p.raw("<ul>")
		for _, item := range items {
			p.tag("li", item)
		}
		p.raw("</ul>")
	}
	p.analyzedAt(ctx, sess)
}

type page struct {
	w   io.Writer
	err error
}

func (p *page) raw(s string) {
	if p.err != nil {
		return
	}
	_, p.err = io.WriteString(p.w, s)
}

func (p *page) tag(name, text string) {
	p.raw("<" + name + ">" + templ.EscapeString(text) + "</" + name + ">")
}

func (p *page) tagClass(name, class, text string) {
	p.raw(`<` + name + ` class="` + class + `">` + templ.EscapeString(text) + `</` + name + `>`)
}

func (p *page) paragraphs(text string) {
	for _, para := range strings.Split(text, "\n\n") {
		if para = strings.TrimSpace(para); para != "" {
			p.tag("p", para)
		}
	}
}

func (p *page) analyzedAt(ctx context.Context, sess model.Session) {
	if sess.AnalyzedAt == nil {
		return
	}
	p.tagClass("p", "muted", i18n.Td(ctx, "ResultAnalyzedAt", map[string]any{"Date": sess.AnalyzedAt.Format("02.01.2006")}))
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return []string{t}
		}
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
