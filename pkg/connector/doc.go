// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Mattermost-Microsoft Teams bridge.
//
// Mattermost users who log in to Teams post as themselves on both sides.
// People who only use Teams are represented in Mattermost by ghost users
// provisioned from the Teams directory. In a channel with ghosts, one logged-in
// member is the room's delegate: Teams traffic for people without a login is
// relayed through the delegate's Teams account, and the delegate's change
// notifications are the only ones materialized in Mattermost. A delegate whose
// credential stops working is replaced on the next message.
//
// # Core Types
//
// [Bridge] holds the relay logic. Outbound, [Bridge.PreSend] and
// [Bridge.PostSend] relay new posts and [Bridge.PostUpdate] and
// [Bridge.PostDelete] relay edits and deletes. Inbound,
// [Bridge.HandleNotifications] applies Graph change notifications.
//
// [CredentialManager] hands out Teams access tokens and refreshes them.
// A credential that can't be refreshed is treated as a logout.
//
// [MattermostClient] implements [LocalChat] on top of the Mattermost REST and
// WebSocket APIs. Each ghost keeps a WebSocket open so the bridge sees every
// event in bridged channels.
//
// # Echo Prevention
//
// Several layers keep relayed content from looping: the bridge bot and ghost
// senders are skipped, posts carry an origin prop, system posts are ignored,
// message id mappings drop notifications about messages the bridge sent, and
// short-lived echo keys drop the edit events the bridge causes itself. These
// layers must not be simplified or removed.
//
// # Sub-packages
//
//   - mattermostfmt converts Mattermost markdown to Teams HTML.
//   - teamsfmt converts Teams HTML to Mattermost markdown.
package connector
