// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package teamsfmt converts Teams chat message HTML to Mattermost markdown.
package teamsfmt

import (
	"encoding/json"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MessageReferenceType is the attachment content type of quoted replies.
const MessageReferenceType = "messageReference"

// AttachmentResolver supplies what the converter needs to expand
// <attachment id="..."> placeholders. A nil resolver drops all attachments.
type AttachmentResolver interface {
	// Attachment returns the content type and raw content of the message
	// attachment with the given id.
	Attachment(id string) (contentType, content string, ok bool)
	// MessageLink returns the Mattermost permalink of the post mapped to a
	// Teams message id, or "" when the message was never bridged.
	MessageLink(remoteMessageID string) string
}

// Parse converts Teams HTML to Mattermost markdown.
func Parse(input string, resolver AttachmentResolver) string {
	if input == "" {
		return ""
	}
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(input), root)
	if err != nil {
		return strings.TrimSpace(input)
	}
	c := &converter{resolver: resolver}
	var b strings.Builder
	for _, n := range nodes {
		b.WriteString(c.node(n))
	}
	return cleanup(b.String())
}

// ParseText converts a plain text body. Only entities are decoded.
func ParseText(input string) string {
	return strings.TrimSpace(html.UnescapeString(input))
}

type converter struct {
	resolver AttachmentResolver
}

func (c *converter) children(n *html.Node) string {
	var b strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		b.WriteString(c.node(child))
	}
	return b.String()
}

func (c *converter) node(n *html.Node) string {
	switch n.Type {
	case html.TextNode:
		return n.Data
	case html.CommentNode, html.DoctypeNode:
		return ""
	case html.ElementNode:
		return c.element(n)
	default:
		return c.children(n)
	}
}

func (c *converter) element(n *html.Node) string {
	switch n.DataAtom {
	case atom.A:
		text := c.children(n)
		href := attr(n, "href")
		if href == "" {
			return text
		}
		if text == "" {
			text = href
		}
		return "[" + text + "](" + href + ")"
	case atom.B, atom.Strong:
		return wrapInline("**", c.children(n))
	case atom.I, atom.Em:
		return wrapInline("_", c.children(n))
	case atom.S, atom.Strike, atom.Del:
		return wrapInline("~~", c.children(n))
	case atom.Ul:
		return c.list(n, false)
	case atom.Ol:
		return c.list(n, true)
	case atom.Blockquote:
		return quote(c.children(n))
	case atom.Br:
		return "\n"
	case atom.P, atom.Div:
		return block(c.children(n))
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		return strings.Repeat("#", level) + " " + strings.TrimSpace(c.children(n)) + "\n"
	case atom.Code:
		if n.Parent != nil && (n.Parent.DataAtom == atom.Pre || n.Parent.Data == "codeblock") {
			return c.children(n)
		}
		return "`" + c.children(n) + "`"
	case atom.Pre:
		return "```\n" + strings.Trim(c.children(n), "\n") + "\n```\n"
	case atom.Img:
		if strings.Contains(attr(n, "itemtype"), "Emoji") {
			return attr(n, "alt")
		}
		if src := attr(n, "src"); src != "" {
			alt := attr(n, "alt")
			if alt == "" {
				alt = "image"
			}
			return "[" + alt + "](" + src + ")"
		}
		return ""
	case atom.Hr:
		return "\n---\n"
	case atom.Script, atom.Style:
		return ""
	}

	switch strings.ToLower(n.Data) {
	case "emoji":
		if alt := attr(n, "alt"); alt != "" {
			return alt
		}
		return c.children(n)
	case "attachment":
		return c.attachment(attr(n, "id"))
	case "at":
		return "@" + c.children(n)
	case "codeblock":
		return "```\n" + strings.Trim(c.children(n), "\n") + "\n```\n"
	}
	return c.children(n)
}

func (c *converter) list(n *html.Node, ordered bool) string {
	var b strings.Builder
	index := 0
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode || child.DataAtom != atom.Li {
			continue
		}
		index++
		prefix := "- "
		if ordered {
			prefix = strconv.Itoa(index) + ". "
		}
		item := strings.Trim(c.children(child), "\n")
		item = strings.ReplaceAll(item, "\n", "\n"+strings.Repeat(" ", len(prefix)))
		b.WriteString(prefix + item + "\n")
	}
	return b.String()
}

// attachment expands message references into a link to the bridged post.
func (c *converter) attachment(id string) string {
	if c.resolver == nil || id == "" {
		return ""
	}
	contentType, content, ok := c.resolver.Attachment(id)
	if !ok || contentType != MessageReferenceType {
		return ""
	}
	messageID := id
	var ref struct {
		MessageID string `json:"messageId"`
	}
	if json.Unmarshal([]byte(content), &ref) == nil && ref.MessageID != "" {
		messageID = ref.MessageID
	}
	return block(c.resolver.MessageLink(messageID))
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// wrapInline moves surrounding whitespace outside the markers so that
// "<b> x</b>" doesn't produce "** x**".
func wrapInline(marker, s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	lead := s[:strings.Index(s, trimmed)]
	trail := s[len(lead)+len(trimmed):]
	return lead + marker + trimmed + marker + trail
}

func block(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func quote(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n") + "\n"
}

func cleanup(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}
