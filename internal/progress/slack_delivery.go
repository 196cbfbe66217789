package progress

import (
	"fmt"

	"github.com/slack-go/slack"
)

// SlackDelivery posts alerts to a Slack channel via slack-go/slack.
// One of three pluggable backends spec.md §4.10 names (metrics
// endpoint, log lines, webhook); Slack stands in
// for "webhook" here since it is the concrete webhook-shaped
// dependency the corpus actually provides.
type SlackDelivery struct {
	client  *slack.Client
	channel string
}

func NewSlackDelivery(token, channel string) *SlackDelivery {
	return &SlackDelivery{client: slack.New(token), channel: channel}
}

func (d *SlackDelivery) Deliver(a Alert) error {
	text := fmt.Sprintf("[worketl] %s table=%s: %s", a.Kind, a.Table, a.Message)
	_, _, err := d.client.PostMessage(d.channel, slack.MsgOptionText(text, false))
	return err
}
