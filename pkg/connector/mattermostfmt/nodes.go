// Copyright 2024-2026 Aiku AI

package mattermostfmt

import (
	"unicode"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

var (
	KindMention   = ast.NewNodeKind("Mention")
	KindEmoji     = ast.NewNodeKind("Emoji")
	KindMath      = ast.NewNodeKind("InlineMath")
	KindTimestamp = ast.NewNodeKind("Timestamp")
)

// Mention is an @username reference.
type Mention struct {
	ast.BaseInline
	Username string
}

func (n *Mention) Kind() ast.NodeKind { return KindMention }

func (n *Mention) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{"Username": n.Username}, nil)
}

// Emoji is a :shortcode: reference.
type Emoji struct {
	ast.BaseInline
	Code string
}

func (n *Emoji) Kind() ast.NodeKind { return KindEmoji }

func (n *Emoji) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{"Code": n.Code}, nil)
}

// Math is an inline $expression$.
type Math struct {
	ast.BaseInline
	Expression string
}

func (n *Math) Kind() ast.NodeKind { return KindMath }

func (n *Math) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{"Expression": n.Expression}, nil)
}

// Timestamp is a <t:unix[:style]> token.
type Timestamp struct {
	ast.BaseInline
	Unix  int64
	Style string
}

func (n *Timestamp) Kind() ast.NodeKind { return KindTimestamp }

func (n *Timestamp) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{"Style": n.Style}, nil)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

type mentionParser struct{}

func (p *mentionParser) Trigger() []byte { return []byte{'@'} }

func (p *mentionParser) Parse(_ ast.Node, block text.Reader, _ parser.Context) ast.Node {
	if isWordRune(block.PrecendingCharacter()) {
		return nil
	}
	line, _ := block.PeekLine()
	i := 1
	for i < len(line) {
		c := line[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c == '.' {
			i++
			continue
		}
		break
	}
	// A trailing dot ends the sentence, not the username.
	for i > 1 && line[i-1] == '.' {
		i--
	}
	if i == 1 {
		return nil
	}
	block.Advance(i)
	return &Mention{Username: string(line[1:i])}
}

type emojiParser struct{}

func (p *emojiParser) Trigger() []byte { return []byte{':'} }

func (p *emojiParser) Parse(_ ast.Node, block text.Reader, _ parser.Context) ast.Node {
	if prev := block.PrecendingCharacter(); unicode.IsLetter(prev) || unicode.IsDigit(prev) {
		return nil
	}
	line, _ := block.PeekLine()
	for i := 1; i < len(line); i++ {
		c := line[i]
		switch {
		case c == ':':
			if i == 1 {
				return nil
			}
			if _, ok := lookupEmoji(string(line[1:i])); !ok {
				return nil
			}
			block.Advance(i + 1)
			return &Emoji{Code: string(line[1:i])}
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9',
			c == '_' || c == '+' || c == '-':
		default:
			return nil
		}
	}
	return nil
}

type mathParser struct{}

func (p *mathParser) Trigger() []byte { return []byte{'$'} }

func (p *mathParser) Parse(_ ast.Node, block text.Reader, _ parser.Context) ast.Node {
	line, _ := block.PeekLine()
	if len(line) < 3 || line[1] == ' ' || line[1] == '$' {
		return nil
	}
	for i := 2; i < len(line); i++ {
		if line[i] != '$' {
			continue
		}
		if line[i-1] == ' ' || line[i-1] == '\\' {
			return nil
		}
		if i+1 < len(line) && line[i+1] >= '0' && line[i+1] <= '9' {
			return nil
		}
		block.Advance(i + 1)
		return &Math{Expression: string(line[1:i])}
	}
	return nil
}

type timestampParser struct{}

func (p *timestampParser) Trigger() []byte { return []byte{'<'} }

func (p *timestampParser) Parse(_ ast.Node, block text.Reader, _ parser.Context) ast.Node {
	line, _ := block.PeekLine()
	if len(line) < 5 || line[1] != 't' || line[2] != ':' {
		return nil
	}
	var unix int64
	i := 3
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
		unix = unix*10 + int64(line[i]-'0')
	}
	if i == 3 || i >= len(line) {
		return nil
	}
	style := ""
	if line[i] == ':' {
		start := i + 1
		for i = start; i < len(line) && (line[i] >= 'a' && line[i] <= 'z' || line[i] >= 'A' && line[i] <= 'Z'); i++ {
		}
		style = string(line[start:i])
	}
	if i >= len(line) || line[i] != '>' {
		return nil
	}
	block.Advance(i + 1)
	return &Timestamp{Unix: unix, Style: style}
}
