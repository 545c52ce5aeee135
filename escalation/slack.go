package escalation

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"golang.org/x/text/unicode/norm"

	"github.com/foundry-ci/foundry/status"
)

// SlackNotifier posts escalation records to a single Slack channel via a
// bot token, grounded on jordigilh-kubernaut's direct dependency on
// github.com/slack-go/slack.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds a SlackNotifier posting to channel using token.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token), channel: channel}
}

// Notify posts a one-line summary of the escalation to the configured channel.
func (n *SlackNotifier) Notify(ctx context.Context, e status.Escalation) error {
	// Blocked-reason strings ultimately originate from a codegen tool's
	// stdout/stderr and may carry decomposed Unicode; normalize to NFC so
	// the rendered Slack message doesn't show combining-mark artifacts.
	text := fmt.Sprintf(":rotating_light: issue #%d escalated (%s): %s", e.IssueNumber, e.Category, norm.NFC.String(e.Message))
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("escalation: slack post: %w", err)
	}
	return nil
}

var _ Notifier = (*SlackNotifier)(nil)
