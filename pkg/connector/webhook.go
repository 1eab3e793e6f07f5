// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	notificationsPath = "/api/notifications"
	oauthRedirectPath = "/api/oauth/redirect"
	addMembersPath    = "/api/dialog/add-members"
	resyncPath        = "/api/resync-delegates"

	// maxNotificationBody caps a webhook delivery.
	maxNotificationBody = 4 << 20

	addMembersField = "remote_users"
)

// Router builds the HTTP handler serving Graph webhooks, the OAuth redirect,
// dialog submissions and the admin endpoints.
func (b *Bridge) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), b.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(b.metrics.gatherer, promhttp.HandlerOpts{})))

	r.GET(notificationsPath, b.handleNotificationDelivery)
	r.POST(notificationsPath, b.handleNotificationDelivery)
	r.GET(oauthRedirectPath, b.handleOAuthRedirect)
	r.POST(addMembersPath, b.handleAddMembersDialog)
	r.POST(resyncPath, b.handleResyncDelegates)
	return r
}

func (b *Bridge) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		b.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		if route == "/metrics" || route == "/healthz" {
			return
		}
		b.log.Debug().
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

type notificationDelivery struct {
	Value []ChangeNotification `json:"value"`
}

// handleNotificationDelivery answers the subscription handshake and accepts
// change notifications for the user named in the query.
func (b *Bridge) handleNotificationDelivery(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}
	if c.Request.Method != http.MethodPost {
		c.Status(http.StatusBadRequest)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxNotificationBody)
	var delivery notificationDelivery
	if err := c.ShouldBindJSON(&delivery); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification payload"})
		return
	}
	receiverID := c.Query("userId")
	if err := b.verifyDelivery(receiverID, delivery.Value); err != nil {
		b.log.Warn().
			Str("receiver_id", receiverID).
			Str("remote_addr", c.ClientIP()).
			Msg("Rejected notification delivery with bad client state")
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	b.inflight.Add(1)
	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		defer b.inflight.Done()
		b.HandleNotifications(ctx, receiverID, delivery.Value)
	}()
	c.Status(http.StatusAccepted)
}

// verifyDelivery checks that every item carries the receiver's client state.
func (b *Bridge) verifyDelivery(receiverID string, items []ChangeNotification) error {
	if receiverID == "" {
		return ErrSourceUnverifiable
	}
	want := ClientState(b.Config.Bridge.WebhookSecret, receiverID)
	for _, item := range items {
		if item.ClientState == "" || !constantTimeEqual(item.ClientState, want) {
			return ErrSourceUnverifiable
		}
	}
	return nil
}

func (b *Bridge) handleOAuthRedirect(c *gin.Context) {
	_, err := b.CompleteLogin(c.Request.Context(), c.Query("code"), c.Query("state"), c.Query("error"))
	switch {
	case err == nil:
		c.String(http.StatusOK, "Your Microsoft Teams account is linked. You can close this window.")
	case errors.Is(err, ErrInvalidState):
		c.String(http.StatusBadRequest, "This login link is invalid or expired. Send a new message in Mattermost to get a fresh one.")
	case errors.Is(err, ErrLoginFailed):
		b.log.Warn().Err(err).Msg("Login failed")
		c.String(http.StatusBadRequest, "Login failed. Please try again.")
	case errors.Is(err, ErrRemoteIdentityTaken):
		c.String(http.StatusConflict, "This Microsoft Teams account is already linked to another Mattermost user.")
	default:
		b.log.Err(err).Msg("Failed to complete login")
		c.String(http.StatusInternalServerError, "Something went wrong while linking your account.")
	}
}

// handleAddMembersDialog processes the add-members interactive dialog.
func (b *Bridge) handleAddMembersDialog(c *gin.Context) {
	var req model.SubmitDialogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dialog submission"})
		return
	}
	if req.Cancelled {
		c.JSON(http.StatusOK, model.SubmitDialogResponse{})
		return
	}
	ctx := c.Request.Context()
	memberIDs, err := b.local.GetChannelMemberIDs(ctx, req.ChannelId)
	if err != nil {
		b.log.Err(err).Str("channel_id", req.ChannelId).Msg("Failed to check dialog submitter")
		c.JSON(http.StatusOK, model.SubmitDialogResponse{Error: "Could not load the channel."})
		return
	}
	if !slices.Contains(memberIDs, req.UserId) {
		c.JSON(http.StatusForbidden, model.SubmitDialogResponse{Error: "You are not a member of this channel."})
		return
	}

	remoteIDs := submissionList(req.Submission[addMembersField])
	if len(remoteIDs) == 0 {
		c.JSON(http.StatusOK, model.SubmitDialogResponse{
			Errors: map[string]string{addMembersField: "Pick at least one person."},
		})
		return
	}
	err = b.SubmitAddMembers(ctx, AddMembersInteraction{
		RoomID:        req.ChannelId,
		ActorID:       req.UserId,
		RemoteUserIDs: remoteIDs,
	})
	if err != nil {
		b.log.Err(err).Str("channel_id", req.ChannelId).Msg("Failed to add members")
		c.JSON(http.StatusOK, model.SubmitDialogResponse{Error: "Adding members failed. Make sure someone in the channel is logged in to Microsoft Teams."})
		return
	}
	c.JSON(http.StatusOK, model.SubmitDialogResponse{})
}

// submissionList reads a dialog field that is either a multiselect or a
// comma-separated string.
func submissionList(value any) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch v := value.(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			add(part)
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	}
	return out
}

// handleResyncDelegates runs a delegate sync on request of an operator.
func (b *Bridge) handleResyncDelegates(c *gin.Context) {
	secret := b.Config.Bridge.AdminSecret
	if secret == "" {
		c.Status(http.StatusNotFound)
		return
	}
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || !constantTimeEqual(token, secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	b.log.Info().Str("remote_addr", c.ClientIP()).Msg("Delegate resync requested")
	result, err := b.SyncDelegates(c.Request.Context())
	if err != nil {
		b.log.Err(err).Msg("Delegate resync failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
