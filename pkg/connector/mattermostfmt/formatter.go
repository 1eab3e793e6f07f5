// Copyright 2024-2026 Aiku AI

// Package mattermostfmt converts Mattermost markdown to Teams chat HTML.
package mattermostfmt

import (
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// BridgedPrefix introduces the sender name on messages relayed through a delegate.
const BridgedPrefix = "Bridged Message: "

// Options tweaks rendering. The zero value is valid.
type Options struct {
	// MentionName maps a Mattermost username to the name shown in Teams.
	// Returning "" keeps the username.
	MentionName func(username string) string
}

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func getParser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(
				parser.WithInlineParsers(
					util.Prioritized(&timestampParser{}, 250),
					util.Prioritized(&mentionParser{}, 600),
					util.Prioritized(&emojiParser{}, 610),
					util.Prioritized(&mathParser{}, 620),
				),
			),
		)
	})
	return markdown
}

// Render converts Mattermost markdown to Teams HTML. It never fails; node
// kinds Teams can't display degrade to plain text.
func Render(input string, opts *Options) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	if opts == nil {
		opts = &Options{}
	}
	source := []byte(input)
	document := getParser().Parser().Parse(text.NewReader(source))

	r := &htmlRenderer{source: source, opts: opts}
	_ = ast.Walk(document, r.walk)
	return strings.TrimSpace(r.out.String())
}

// WrapBridged puts rendered content inside the quote block that names the
// original sender.
func WrapBridged(senderName, body string) string {
	return "<blockquote><p><strong>" + html.EscapeString(BridgedPrefix+senderName) + "</strong></p>" +
		body + "</blockquote>"
}

type htmlRenderer struct {
	source []byte
	opts   *Options
	out    strings.Builder
}

func (r *htmlRenderer) write(s string) {
	r.out.WriteString(s)
}

func (r *htmlRenderer) text(s string) {
	r.out.WriteString(html.EscapeString(s))
}

func (r *htmlRenderer) tag(entering bool, name string) {
	if entering {
		r.write("<" + name + ">")
	} else {
		r.write("</" + name + ">")
	}
}

func (r *htmlRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {
	case ast.KindDocument, ast.KindTextBlock:

	case ast.KindParagraph:
		r.tag(entering, "p")

	case ast.KindHeading:
		r.tag(entering, "h"+strconv.Itoa(node.(*ast.Heading).Level))

	case ast.KindFencedCodeBlock, ast.KindCodeBlock:
		if entering {
			r.renderCodeBlock(node)
		}
		return ast.WalkSkipChildren, nil

	case ast.KindBlockquote:
		r.tag(entering, "blockquote")

	case ast.KindList:
		list := node.(*ast.List)
		switch {
		case !list.IsOrdered():
			r.tag(entering, "ul")
		case entering && list.Start > 1:
			r.write(`<ol start="` + strconv.Itoa(list.Start) + `">`)
		default:
			r.tag(entering, "ol")
		}

	case ast.KindListItem:
		r.tag(entering, "li")

	case ast.KindThematicBreak:
		if entering {
			r.write("<hr>")
		}

	case ast.KindHTMLBlock:
		if entering {
			block := node.(*ast.HTMLBlock)
			r.write("<p>")
			lines := block.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				r.text(string(seg.Value(r.source)))
			}
			r.write("</p>")
		}
		return ast.WalkSkipChildren, nil

	case ast.KindText:
		if entering {
			t := node.(*ast.Text)
			r.text(string(t.Segment.Value(r.source)))
			if t.HardLineBreak() || t.SoftLineBreak() {
				r.write("<br>")
			}
		}

	case ast.KindString:
		if entering {
			r.text(string(node.(*ast.String).Value))
		}

	case ast.KindEmphasis:
		if node.(*ast.Emphasis).Level >= 2 {
			r.tag(entering, "strong")
		} else {
			r.tag(entering, "em")
		}

	case ast.KindCodeSpan:
		if entering {
			r.write("<code>")
			for child := node.FirstChild(); child != nil; child = child.NextSibling() {
				if t, ok := child.(*ast.Text); ok {
					r.text(string(t.Segment.Value(r.source)))
				}
			}
			r.write("</code>")
		}
		return ast.WalkSkipChildren, nil

	case ast.KindLink:
		link := node.(*ast.Link)
		if !isSafeURL(string(link.Destination)) {
			break
		}
		if entering {
			r.write(`<a href="` + html.EscapeString(string(link.Destination)) + `">`)
		} else {
			r.write("</a>")
		}

	case ast.KindAutoLink:
		if entering {
			link := node.(*ast.AutoLink)
			url := string(link.URL(r.source))
			label := string(link.Label(r.source))
			if link.AutoLinkType == ast.AutoLinkEmail && !strings.HasPrefix(strings.ToLower(url), "mailto:") {
				url = "mailto:" + url
			}
			r.write(`<a href="` + html.EscapeString(url) + `">`)
			r.text(label)
			r.write("</a>")
		}
		return ast.WalkSkipChildren, nil

	case ast.KindImage:
		if entering {
			img := node.(*ast.Image)
			alt := plainText(img, r.source)
			dest := string(img.Destination)
			if alt == "" {
				alt = dest
			}
			if isSafeURL(dest) {
				r.write(`<a href="` + html.EscapeString(dest) + `">`)
				r.text(alt)
				r.write("</a>")
			} else {
				r.text(alt)
			}
		}
		return ast.WalkSkipChildren, nil

	case ast.KindRawHTML:
		if entering {
			raw := node.(*ast.RawHTML)
			for i := 0; i < raw.Segments.Len(); i++ {
				seg := raw.Segments.At(i)
				r.text(string(seg.Value(r.source)))
			}
		}
		return ast.WalkSkipChildren, nil

	case extast.KindStrikethrough:
		r.tag(entering, "s")

	case extast.KindTable:
		r.tag(entering, "table")

	case extast.KindTableHeader, extast.KindTableRow:
		r.tag(entering, "tr")

	case extast.KindTableCell:
		if node.Parent() != nil && node.Parent().Kind() == extast.KindTableHeader {
			r.tag(entering, "th")
		} else {
			r.tag(entering, "td")
		}

	case extast.KindTaskCheckBox:
		if entering {
			if node.(*extast.TaskCheckBox).IsChecked {
				r.write("☑ ")
			} else {
				r.write("☐ ")
			}
		}

	case KindMention:
		if entering {
			name := node.(*Mention).Username
			if r.opts.MentionName != nil {
				if display := r.opts.MentionName(name); display != "" {
					name = display
				}
			}
			r.text("@" + name)
		}

	case KindEmoji:
		if entering {
			code := node.(*Emoji).Code
			if glyph, ok := lookupEmoji(code); ok {
				r.write(glyph)
			} else {
				r.text(":" + code + ":")
			}
		}

	case KindMath:
		if entering {
			r.text(node.(*Math).Expression)
		}

	case KindTimestamp:
		if entering {
			ts := node.(*Timestamp)
			r.text(formatTimestamp(ts.Unix, ts.Style))
		}
	}

	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderCodeBlock(node ast.Node) {
	var lang string
	if fenced, ok := node.(*ast.FencedCodeBlock); ok {
		lang = string(fenced.Language(r.source))
	}
	if lang != "" {
		r.write(`<pre><code class="language-` + html.EscapeString(lang) + `">`)
	} else {
		r.write("<pre><code>")
	}
	lines := node.Lines()
	var code strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(r.source))
	}
	r.text(strings.TrimRight(code.String(), "\n"))
	r.write("</code></pre>")
}

// plainText concatenates the text content under node.
func plainText(node ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func isSafeURL(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:")
}

var timestampLayouts = map[string]string{
	"t": "15:04",
	"T": "15:04:05",
	"d": "2006-01-02",
	"D": "January 2, 2006",
	"f": "January 2, 2006 15:04",
	"F": "Monday, January 2, 2006 15:04",
}

func formatTimestamp(unix int64, style string) string {
	layout, ok := timestampLayouts[style]
	if !ok {
		layout = timestampLayouts["f"]
	}
	return time.Unix(unix, 0).UTC().Format(layout) + " UTC"
}
