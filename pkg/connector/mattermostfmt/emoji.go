// Copyright 2024-2026 Aiku AI

package mattermostfmt

import (
	"strings"

	"github.com/kyokomi/emoji/v2"
)

var emojiCodes = emoji.CodeMap()

// mattermostAliases maps Mattermost shortcodes that the GitHub set spells
// differently.
var mattermostAliases = map[string]string{
	"thinking_face": "thinking",
	"party_popper":  "tada",
}

// lookupEmoji returns the glyph for a shortcode without colons. Unknown
// shortcodes report false and stay literal text.
func lookupEmoji(code string) (string, bool) {
	code = strings.ToLower(code)
	if alias, ok := mattermostAliases[code]; ok {
		code = alias
	}
	glyph, ok := emojiCodes[":"+code+":"]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(glyph), true
}
