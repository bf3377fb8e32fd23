package msgview

import (
	"fmt"
	"html"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/thiagokokada/qlog-go/internal/palette"
	"github.com/thiagokokada/qlog-go/internal/vcs"
)

const (
	// RevisionScheme prefixes links that select a revision in the log.
	RevisionScheme = "qlog-revid:"
	// SummaryLimit is the longest summary shown in a parent or child link.
	SummaryLimit = 60

	dateLayout = "2006-01-02 15:04:05 -0700"
)

var now = time.Now

var (
	urlRe        = regexp.MustCompile(`(?i)\bhttps?://[^\s<>{}()]+[^\s.,<>{}()]`)
	emailRe      = regexp.MustCompile(`(?i)[a-z0-9_\-.+]+@[a-z0-9_\-.+]+\.[a-z]+`)
	leadSpacesRe = regexp.MustCompile(`(?m)^ +`)
)

// Link is a parent or child of a shown revision.
type Link struct {
	ID    vcs.RevisionID
	Revno string
	Color int
	// Summary is empty until the body is loaded.
	Summary string
}

func (l Link) label() string {
	if l.Summary == "" {
		return "revid: " + string(l.ID)
	}
	return l.Revno + ": " + shorten(l.Summary, SummaryLimit)
}

// Message describes one selected revision.
type Message struct {
	ID       vcs.RevisionID
	Revno    string
	Color    int
	Parents  []Link
	Children []Link
	Tags     []string
	// Revision is nil for the working tree and for bodies not loaded yet.
	Revision    *vcs.Revision
	WorkingTree bool
}

type property struct {
	name string
	text string
	html string
}

func (m Message) properties(p palette.Palette) []property {
	props := []property{{
		name: "Revision:",
		text: fmt.Sprintf("%s revid:%s", m.Revno, m.ID),
		html: dot(p, m.Color) + html.EscapeString(fmt.Sprintf("%s revid:%s", m.Revno, m.ID)),
	}}
	if len(m.Parents) > 0 {
		props = append(props, linkProperty("Parents:", m.Parents, p))
	}
	if len(m.Children) > 0 {
		props = append(props, linkProperty("Children:", m.Children, p))
	}
	rev := m.Revision
	if rev == nil || rev.Missing {
		return props
	}
	if !rev.Timestamp.IsZero() {
		date := fmt.Sprintf("%s (%s)", rev.Timestamp.Local().Format(dateLayout), humanize.RelTime(rev.Timestamp, now(), "ago", "from now"))
		props = append(props, property{name: "Date:", text: date, html: html.EscapeString(date)})
	}
	if rev.Committer != "" {
		props = append(props, property{name: "Committer:", text: rev.Committer, html: htmlize(rev.Committer)})
	}
	if authors := rev.Properties["authors"]; authors != "" {
		props = append(props, property{name: "Author:", text: authors, html: htmlize(authors)})
	} else if author := rev.Properties["author"]; author != "" {
		props = append(props, property{name: "Author:", text: author, html: htmlize(author)})
	}
	if nick := rev.BranchNick(); nick != "" {
		props = append(props, property{name: "Branch:", text: nick, html: html.EscapeString(nick)})
	}
	if len(m.Tags) > 0 {
		tags := strings.Join(m.Tags, ", ")
		props = append(props, property{name: "Tags:", text: tags, html: html.EscapeString(tags)})
	}
	if bugs := rev.Bugs(); len(bugs) > 0 {
		links := make([]string, len(bugs))
		for i, bug := range bugs {
			links[i] = htmlize(bug)
		}
		props = append(props, property{name: "Bugs:", text: strings.Join(bugs, "\n"), html: strings.Join(links, "<br>")})
	}
	return props
}

func linkProperty(name string, links []Link, p palette.Palette) property {
	texts := make([]string, len(links))
	items := make([]string, len(links))
	for i, l := range links {
		texts[i] = l.label()
		title := ""
		if l.Summary != "" {
			title = fmt.Sprintf(` title="%s"`, html.EscapeString(l.Summary))
		}
		items[i] = fmt.Sprintf(`%s<a href="%s%s"%s>%s</a>`,
			dot(p, l.Color), RevisionScheme, html.EscapeString(string(l.ID)), title, html.EscapeString(l.label()))
	}
	return property{name: name, text: strings.Join(texts, "\n"), html: strings.Join(items, "<br>")}
}

func (m Message) body() string {
	if m.WorkingTree {
		return vcs.WorkingTreeTitle
	}
	if m.Revision == nil || m.Revision.Missing {
		return ""
	}
	return strings.TrimRight(m.Revision.Message, "\n")
}

// HTML renders the message as a property table followed by the linked
// message text. Parent and child links carry a dot in their graph colour.
func (m Message) HTML(p palette.Palette) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<table style="background:%s; color:%s;">`, palette.Hex(p.Background), palette.Hex(p.Text))
	for _, prop := range m.properties(p) {
		fmt.Fprintf(&b, `<tr><td style="font-weight:bold; white-space:pre;" align="right">%s</td><td width="100%%">%s</td></tr>`,
			prop.name, prop.html)
	}
	b.WriteString("</table>")
	body := html.EscapeString(m.body())
	if !m.WorkingTree {
		body = htmlize(m.body())
	}
	fmt.Fprintf(&b, `<div style="margin-top:0.5em;">%s</div>`, body)
	return b.String()
}

// Text renders the message for a terminal.
func (m Message) Text() string {
	props := m.properties(palette.Palette{})
	width := 0
	for _, prop := range props {
		width = max(width, len(prop.name))
	}
	var b strings.Builder
	for _, prop := range props {
		for i, line := range strings.Split(prop.text, "\n") {
			name := ""
			if i == 0 {
				name = prop.name
			}
			fmt.Fprintf(&b, "%-*s %s\n", width, name, line)
		}
	}
	if body := m.body(); body != "" {
		b.WriteByte('\n')
		for line := range strings.SplitSeq(body, "\n") {
			b.WriteString(strings.TrimRight("    "+line, " "))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// HTMLAll joins the rendering of several messages under a style sheet
// colouring links.
func HTMLAll(msgs []Message, p palette.Palette) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.HTML(p)
	}
	return fmt.Sprintf("<style>a { color: %s; }</style>", palette.Hex(p.Link)) + strings.Join(parts, "<br>")
}

func dot(p palette.Palette, color int) string {
	if len(p.Graph) == 0 {
		return ""
	}
	return fmt.Sprintf(`<span style="color:%s">&#9679;</span> `, p.Hex(color))
}

func shorten(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

// htmlize escapes text and links URLs and email addresses.
func htmlize(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range linkSpans(text) {
		b.WriteString(escapeLines(text[last:loc.start]))
		target := text[loc.start:loc.end]
		href := target
		if loc.email {
			href = "mailto:" + target
		}
		fmt.Fprintf(&b, `<a href="%s">%s</a>`, html.EscapeString(href), html.EscapeString(target))
		last = loc.end
	}
	b.WriteString(escapeLines(text[last:]))
	return b.String()
}

type span struct {
	start, end int
	email      bool
}

// linkSpans returns non-overlapping link positions in text order. URLs win
// over email addresses they contain.
func linkSpans(text string) []span {
	var spans []span
	for _, loc := range urlRe.FindAllStringIndex(text, -1) {
		spans = append(spans, span{start: loc[0], end: loc[1]})
	}
	for _, loc := range emailRe.FindAllStringIndex(text, -1) {
		overlaps := false
		for _, s := range spans {
			if loc[0] < s.end && s.start < loc[1] {
				overlaps = true
				break
			}
		}
		if !overlaps {
			spans = append(spans, span{start: loc[0], end: loc[1], email: true})
		}
	}
	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })
	return spans
}

func escapeLines(s string) string {
	s = html.EscapeString(s)
	s = leadSpacesRe.ReplaceAllStringFunc(s, func(m string) string {
		return strings.Repeat("&nbsp;", len(m))
	})
	return strings.ReplaceAll(s, "\n", "<br>")
}
