package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/bundl/bundl/internal/resiliency"
)

// OpsAlerter posts engine-health notifications to an internal Slack channel:
// the dispatcher currently sends it one alert per order that expired
// unfilled. Dispatcher buffer drops are logged and counted, not posted here. It is intentionally narrow
// compared to a full incident-paging integration since Bundl has no
// on-call escalation surface.
type OpsAlerter struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
	breaker *resiliency.Breaker
}

// NewOpsAlerter creates an OpsAlerter. If botToken is empty the alerter logs
// instead of posting, matching local development without Slack credentials.
func NewOpsAlerter(botToken, channel string, logger *slog.Logger) *OpsAlerter {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &OpsAlerter{
		client:  client,
		channel: channel,
		logger:  logger,
		breaker: resiliency.NewBreaker("ops-alerter"),
	}
}

func (a *OpsAlerter) enabled() bool {
	return a.client != nil && a.channel != ""
}

// Notify posts a short message about an order event to the ops channel.
func (a *OpsAlerter) Notify(ctx context.Context, summary string, e Event) {
	if !a.enabled() {
		a.logger.Info("ops alert (slack disabled)", "summary", summary, "order_id", e.OrderID, "type", e.Type)
		return
	}

	text := fmt.Sprintf(":bundl: %s — order `%s`", summary, e.OrderID)
	err := a.breaker.Execute(func() error {
		_, _, err := a.client.PostMessageContext(ctx, a.channel, goslack.MsgOptionText(text, false))
		return err
	})
	if err != nil {
		a.logger.Warn("posting ops alert to slack", "error", err, "order_id", e.OrderID)
	}
}
