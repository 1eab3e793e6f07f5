// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge's Prometheus collectors.
type Metrics struct {
	OutboundMessages     *prometheus.CounterVec
	InboundNotifications *prometheus.CounterVec
	CredentialRefreshes  *prometheus.CounterVec
	SubscriptionRenewals *prometheus.CounterVec
	DelegateAssignments  prometheus.Counter
	LoginPrompts         prometheus.Counter
	DelegateSyncs        *prometheus.CounterVec
	HTTPRequests         *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the collectors with reg. A nil reg uses a private
// registry, which keeps tests independent.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		OutboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teams_bridge_outbound_messages_total",
			Help: "Mattermost events relayed to Teams, by operation and result.",
		}, []string{"operation", "result"}),
		InboundNotifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teams_bridge_inbound_notifications_total",
			Help: "Teams change notifications processed, by change type and result.",
		}, []string{"change_type", "result"}),
		CredentialRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teams_bridge_credential_refreshes_total",
			Help: "OAuth refreshes, by result.",
		}, []string{"result"}),
		SubscriptionRenewals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teams_bridge_subscription_renewals_total",
			Help: "Subscription maintenance actions, by action.",
		}, []string{"action"}),
		DelegateAssignments: factory.NewCounter(prometheus.CounterOpts{
			Name: "teams_bridge_delegate_assignments_total",
			Help: "Times a room got a new delegate.",
		}),
		LoginPrompts: factory.NewCounter(prometheus.CounterOpts{
			Name: "teams_bridge_login_prompts_total",
			Help: "Login prompts sent to Mattermost users.",
		}),
		DelegateSyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teams_bridge_delegate_syncs_total",
			Help: "Ghost user provisioning runs, by result.",
		}, []string{"result"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teams_bridge_http_requests_total",
			Help: "HTTP requests served, by route and status.",
		}, []string{"route", "status"}),
		gatherer: reg,
	}
}
