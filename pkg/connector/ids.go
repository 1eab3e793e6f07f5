// Copyright 2024-2026 Aiku AI

package connector

import (
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// maxUsernameLength is the Mattermost username limit.
const maxUsernameLength = 22

// GhostUsername derives the Mattermost username of the ghost representing a
// Teams user. Teams ids are GUIDs, so the hex digits are kept and truncated to
// fit the username limit.
func GhostUsername(prefix, remoteUserID string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, r := range strings.ToLower(remoteUserID) {
		if b.Len() >= maxUsernameLength {
			break
		}
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isBotUsername reports whether the username is the bridge bot's. Ghosts are
// recognized by their delegate link, not by name.
func isBotUsername(username, botUsername string) bool {
	return username != "" && username == botUsername
}

func keyedHash(secret string, parts ...string) string {
	key := blake3.Sum256([]byte(secret))
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// Only fails for keys that aren't 32 bytes.
		panic("connector: blake3 keyed hash initialization failed: " + err.Error())
	}
	for i, part := range parts {
		if i > 0 {
			_, _ = hasher.Write([]byte{0})
		}
		_, _ = hasher.Write([]byte(part))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// ClientState is the per-user secret attached to Graph subscriptions and
// checked on every notification.
func ClientState(secret, localUserID string) string {
	return keyedHash(secret, "client-state", localUserID)
}

// signState builds an OAuth state value carrying the local user id.
func signState(secret, localUserID string, expiresAt time.Time) string {
	exp := strconv.FormatInt(expiresAt.Unix(), 10)
	return localUserID + "." + exp + "." + keyedHash(secret, "oauth-state", localUserID, exp)[:32]
}

// verifyState checks a value produced by signState and returns the user id.
func verifyState(secret, state string, now time.Time) (string, bool) {
	parts := strings.Split(state, ".")
	if len(parts) != 3 || parts[0] == "" {
		return "", false
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || now.Unix() > exp {
		return "", false
	}
	want := keyedHash(secret, "oauth-state", parts[0], parts[1])[:32]
	if !constantTimeEqual(want, parts[2]) {
		return "", false
	}
	return parts[0], true
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// parseResource extracts the chat and message ids from a Graph resource path
// such as chats('19:abc@thread.v2')/messages('1700000000000').
func parseResource(resource string) (chatID, messageID string) {
	extract := func(segment string) string {
		idx := strings.Index(resource, segment+"('")
		if idx < 0 {
			idx = strings.Index(resource, segment+"/")
			if idx < 0 {
				return ""
			}
			rest := resource[idx+len(segment)+1:]
			if end := strings.IndexByte(rest, '/'); end >= 0 {
				rest = rest[:end]
			}
			return rest
		}
		rest := resource[idx+len(segment)+2:]
		if end := strings.Index(rest, "')"); end >= 0 {
			return rest[:end]
		}
		return ""
	}
	return extract("chats"), extract("messages")
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
