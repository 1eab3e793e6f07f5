// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/teams-mattermost-bridge/pkg/msgraph"
)

const subscriptionChangeTypes = "created,updated,deleted"

// notificationURL is where Graph delivers notifications for one user.
func (b *Bridge) notificationURL(localUserID string) string {
	return b.Config.Bridge.PublicURL + notificationsPath + "?userId=" + url.QueryEscape(localUserID)
}

// RunRenewal renews credentials and subscriptions of every linked user on a
// fixed interval until ctx is done.
func (b *Bridge) RunRenewal(ctx context.Context) error {
	interval := b.Config.Bridge.RenewalInterval
	if interval <= 0 {
		interval = defaultRenewalInterval
	}
	b.log.Info().Dur("interval", interval).Msg("Starting renewal loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("Renewal loop stopped")
			return nil
		case <-ticker.C:
			b.RenewAll(ctx)
		}
	}
}

// RenewAll refreshes every linked user's credential and subscription, one user
// at a time. A failing user is logged and picked up again on the next run.
func (b *Bridge) RenewAll(ctx context.Context) {
	links, err := b.store.ListUserLinks(ctx)
	if err != nil {
		b.log.Err(err).Msg("Failed to list user links for renewal")
		return
	}
	for _, link := range links {
		log := b.log.With().Str("user_id", link.LocalUserID).Logger()
		if err := b.renewUser(log.WithContext(ctx), link.LocalUserID); err != nil {
			log.Warn().Err(err).Msg("Renewal failed")
			b.metrics.SubscriptionRenewals.WithLabelValues("failed").Inc()
		}
	}
}

func (b *Bridge) renewUser(ctx context.Context, localUserID string) error {
	token, ok := b.creds.GetValidCredential(ctx, localUserID, true)
	if !ok {
		return fmt.Errorf("%w: credential", ErrNotFound)
	}
	return b.ensureSubscription(ctx, localUserID, token)
}

// ensureSubscription keeps exactly one live subscription pointing at this
// bridge for the user.
func (b *Bridge) ensureSubscription(ctx context.Context, localUserID, token string) error {
	log := zerolog.Ctx(ctx)
	subs, err := b.remote.ListSubscriptions(ctx, token)
	if err != nil {
		return upstream("list subscriptions", err)
	}
	want := b.notificationURL(localUserID)
	expiresAt := b.now().Add(b.Config.Bridge.SubscriptionLifetime)

	renewed := false
	for _, sub := range subs {
		if sub.NotificationURL != want || sub.Resource != msgraph.AllChatMessagesResource || renewed {
			if err := b.remote.DeleteSubscription(ctx, token, sub.ID); err != nil && !msgraph.IsNotFound(err) {
				log.Warn().Err(err).Str("subscription_id", sub.ID).Msg("Failed to delete stale subscription")
				continue
			}
			b.metrics.SubscriptionRenewals.WithLabelValues("deleted").Inc()
			continue
		}
		err := b.remote.RenewSubscription(ctx, token, sub.ID, expiresAt)
		if msgraph.IsNotFound(err) {
			continue
		} else if err != nil {
			return upstream("renew subscription", err)
		}
		renewed = true
		b.metrics.SubscriptionRenewals.WithLabelValues("renewed").Inc()
	}
	if renewed {
		return nil
	}

	created, err := b.remote.CreateSubscription(ctx, token, &msgraph.Subscription{
		ChangeType:         subscriptionChangeTypes,
		NotificationURL:    want,
		Resource:           msgraph.AllChatMessagesResource,
		ExpirationDateTime: expiresAt,
		ClientState:        ClientState(b.Config.Bridge.WebhookSecret, localUserID),
	})
	if err != nil {
		return upstream("create subscription", err)
	}
	b.metrics.SubscriptionRenewals.WithLabelValues("created").Inc()
	log.Info().Str("subscription_id", created.ID).Msg("Created notification subscription")
	return nil
}

// deleteSubscriptions removes every subscription of the user. Failures are
// logged.
func (b *Bridge) deleteSubscriptions(ctx context.Context, token string) {
	log := zerolog.Ctx(ctx)
	subs, err := b.remote.ListSubscriptions(ctx, token)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list subscriptions")
		return
	}
	for _, sub := range subs {
		if err := b.remote.DeleteSubscription(ctx, token, sub.ID); err != nil && !msgraph.IsNotFound(err) {
			log.Warn().Err(err).Str("subscription_id", sub.ID).Msg("Failed to delete subscription")
		}
	}
}
