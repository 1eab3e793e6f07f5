// Copyright 2024-2026 Aiku AI

package msgraph

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	ChatTypeOneOnOne = "oneOnOne"
	ChatTypeGroup    = "group"

	MessageTypeMessage     = "message"
	MessageTypeSystemEvent = "systemEventMessage"

	ContentTypeHTML = "html"
	ContentTypeText = "text"

	AttachmentTypeReference = "reference"

	EventMembersAdded = "#microsoft.graph.membersAddedEventMessageDetail"

	aadUserMemberType = "#microsoft.graph.aadUserConversationMember"
)

// User is a directory user.
type User struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail,omitempty"`
	UserPrincipalName string `json:"userPrincipalName,omitempty"`
	GivenName         string `json:"givenName,omitempty"`
	Surname           string `json:"surname,omitempty"`
}

// Identity is the compact user reference Graph embeds in messages.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// Chat is a Teams one-on-one or group chat.
type Chat struct {
	ID       string               `json:"id"`
	Topic    string               `json:"topic,omitempty"`
	ChatType string               `json:"chatType"`
	Members  []ConversationMember `json:"members,omitempty"`
}

// ConversationMember is one membership of a chat.
type ConversationMember struct {
	ID          string   `json:"id,omitempty"`
	ODataType   string   `json:"@odata.type,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	Roles       []string `json:"roles"`
	UserBind    string   `json:"user@odata.bind,omitempty"`
	// VisibleHistoryStartDateTime is only sent when adding members.
	VisibleHistoryStartDateTime string `json:"visibleHistoryStartDateTime,omitempty"`
}

// ItemBody is the content of a chat message.
type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// ChatMessageFrom identifies the sender of a message.
type ChatMessageFrom struct {
	User        *Identity `json:"user,omitempty"`
	Application *Identity `json:"application,omitempty"`
}

// ChatMessageAttachment is a file or card attached to a message.
type ChatMessageAttachment struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	ContentURL  string `json:"contentUrl,omitempty"`
	Content     string `json:"content,omitempty"`
	Name        string `json:"name,omitempty"`
}

// ChatMessageMention is an @mention inside a message body.
type ChatMessageMention struct {
	ID          int    `json:"id"`
	MentionText string `json:"mentionText"`
	Mentioned   struct {
		User *Identity `json:"user,omitempty"`
	} `json:"mentioned"`
}

// EventDetail carries the payload of a system event message.
type EventDetail struct {
	ODataType string     `json:"@odata.type"`
	Members   []Identity `json:"members,omitempty"`
}

// ChatMessage is a message in a chat.
type ChatMessage struct {
	ID                   string                  `json:"id"`
	ChatID               string                  `json:"chatId"`
	MessageType          string                  `json:"messageType"`
	CreatedDateTime      time.Time               `json:"createdDateTime"`
	LastModifiedDateTime *time.Time              `json:"lastModifiedDateTime,omitempty"`
	DeletedDateTime      *time.Time              `json:"deletedDateTime,omitempty"`
	From                 *ChatMessageFrom        `json:"from,omitempty"`
	Body                 ItemBody                `json:"body"`
	Attachments          []ChatMessageAttachment `json:"attachments,omitempty"`
	Mentions             []ChatMessageMention    `json:"mentions,omitempty"`
	EventDetail          *EventDetail            `json:"eventDetail,omitempty"`
}

// SenderID returns the user id of the sender, or "" for app and system messages.
func (m *ChatMessage) SenderID() string {
	if m.From == nil || m.From.User == nil {
		return ""
	}
	return m.From.User.ID
}

// NewMessage is the body of a send or update call.
type NewMessage struct {
	Body        ItemBody                `json:"body"`
	Attachments []ChatMessageAttachment `json:"attachments,omitempty"`
}

// Subscription is a change notification subscription.
type Subscription struct {
	ID                 string    `json:"id,omitempty"`
	ChangeType         string    `json:"changeType"`
	NotificationURL    string    `json:"notificationUrl"`
	Resource           string    `json:"resource"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState,omitempty"`
}

// DriveItem is a OneDrive file.
type DriveItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	WebURL string `json:"webUrl"`
	ETag   string `json:"eTag"`
	Size   int64  `json:"size"`
}

// AttachmentID derives the reference attachment id Teams expects from a
// drive item eTag such as `"{D8B4...},1"`.
func (d *DriveItem) AttachmentID() string {
	etag := strings.Trim(d.ETag, `"`)
	if start := strings.IndexByte(etag, '{'); start >= 0 {
		if end := strings.IndexByte(etag[start:], '}'); end > 0 {
			if id, err := uuid.Parse(etag[start+1 : start+end]); err == nil {
				return id.String()
			}
		}
	}
	return d.ID
}
