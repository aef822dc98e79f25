// Package chat implements the three chat checking-point types against
// a Slack channel: chat-bot-mention, chat-help-request, and
// chat-vip-user. Each variant polls conversation history on its own
// FetchInterval rather than running Socket Mode, since a checking
// point is a scheduled poll by contract, not a standing event stream —
// adapted from the teacher's internal/channels/slack.Adapter (which
// does run Socket Mode) down to the single read-only call the
// Scheduler's poll model needs.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/conductorhq/conductor/internal/checkpoint"
	"github.com/conductorhq/conductor/pkg/workflow"
)

func init() {
	checkpoint.Register(checkpoint.TypeChatBotMention, newPoint(checkpoint.TypeChatBotMention))
	checkpoint.Register(checkpoint.TypeChatHelpRequest, newPoint(checkpoint.TypeChatHelpRequest))
	checkpoint.Register(checkpoint.TypeChatVIPUser, newPoint(checkpoint.TypeChatVIPUser))
}

// helpKeywords are the case-insensitive substrings chat-help-request
// treats as a cry for help in a message's text. Threaded replies and
// top-level messages are matched alike.
var helpKeywords = []string{"help", "stuck", "blocked", "urgent", "can't figure out"}

// Config is a chat checking point's per-instance configuration, read
// out of the workflow.Values a Registry.Instantiate call is given.
type Config struct {
	BotToken  string
	ChannelID string
	// BotUserID is this bot's own Slack user id, used to detect
	// @-mentions in message text. chat-bot-mention only.
	BotUserID string
	// VIPUserIDs is the set of Slack user ids chat-vip-user treats as
	// VIP. chat-vip-user only.
	VIPUserIDs map[string]struct{}
}

func configFrom(cfg workflow.Values) Config {
	c := Config{VIPUserIDs: map[string]struct{}{}}
	if v, ok := cfg["bot_token"].(string); ok {
		c.BotToken = v
	}
	if v, ok := cfg["channel_id"].(string); ok {
		c.ChannelID = v
	}
	if v, ok := cfg["bot_user_id"].(string); ok {
		c.BotUserID = v
	}
	if v, ok := cfg["vip_user_ids"].([]string); ok {
		for _, id := range v {
			c.VIPUserIDs[id] = struct{}{}
		}
	}
	return c
}

// slackClient is the subset of *slack.Client the Point needs, so tests
// can substitute a fake.
type slackClient interface {
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
}

// Point implements checkpoint.CheckingPoint for one of the three chat
// variants, distinguished by typ.
type Point struct {
	typ    checkpoint.Type
	desc   checkpoint.Descriptor
	cfg    Config
	client slackClient
	// oldest tracks the last-seen message timestamp, so each FetchData
	// call only returns messages newer than the previous cycle.
	oldest string
}

func newPoint(typ checkpoint.Type) checkpoint.Factory {
	return func(raw workflow.Values) (checkpoint.CheckingPoint, error) {
		cfg := configFrom(raw)
		if cfg.BotToken == "" {
			return nil, fmt.Errorf("chat: bot_token is required")
		}
		if cfg.ChannelID == "" {
			return nil, fmt.Errorf("chat: channel_id is required")
		}
		return &Point{
			typ:    typ,
			cfg:    cfg,
			client: slack.New(cfg.BotToken),
			desc: checkpoint.DescriptorFrom(raw, typ, checkpoint.Descriptor{
				FetchTimeout:  10 * time.Second,
				FetchInterval: 15 * time.Second,
			}),
		}, nil
	}
}

func (p *Point) Descriptor() checkpoint.Descriptor { return p.desc }

// FetchData returns every channel message posted since the previous
// call, oldest first.
func (p *Point) FetchData(ctx context.Context, params workflow.Values) ([]workflow.MonitoringDatum, error) {
	// History pages run newest to oldest; follow the cursor so no
	// message newer than p.oldest is skipped.
	var messages []slack.Message
	cursor := ""
	for {
		resp, err := p.client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: p.cfg.ChannelID,
			Cursor:    cursor,
			Oldest:    p.oldest,
			Inclusive: false,
			Limit:     200,
		})
		if err != nil {
			return nil, fmt.Errorf("chat: fetch history: %w", err)
		}
		messages = append(messages, resp.Messages...)
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		cursor = resp.ResponseMetaData.NextCursor
	}

	data := make([]workflow.MonitoringDatum, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		data = append(data, workflow.MonitoringDatum{
			ID:        msg.Timestamp,
			Type:      workflow.DatumChatMessage,
			Source:    p.cfg.ChannelID,
			Payload:   msg,
			Timestamp: tsToTime(msg.Timestamp),
		})
		if msg.Timestamp > p.oldest {
			p.oldest = msg.Timestamp
		}
	}
	return data, nil
}

func (p *Point) CanHandle(datum workflow.MonitoringDatum) bool {
	return datum.Type == workflow.DatumChatMessage
}

// Evaluate applies this variant's predicate to a single message.
func (p *Point) Evaluate(ctx context.Context, datum workflow.MonitoringDatum) (workflow.CheckResult, error) {
	msg, ok := datum.Payload.(slack.Message)
	if !ok {
		return workflow.CheckResult{}, fmt.Errorf("chat: unexpected payload type %T", datum.Payload)
	}

	result := workflow.CheckResult{
		CheckingPointName: p.desc.Name,
		CheckingPointType: string(p.typ),
		ResultType:        workflow.ResultNoMatch,
	}

	switch p.typ {
	case checkpoint.TypeChatBotMention:
		if p.cfg.BotUserID != "" && strings.Contains(msg.Text, "<@"+p.cfg.BotUserID+">") {
			result.ResultType = workflow.ResultMatch
			result.ShouldAct = true
			result.Reason = "message mentions the bot"
		}
	case checkpoint.TypeChatHelpRequest:
		lower := strings.ToLower(msg.Text)
		for _, kw := range helpKeywords {
			if strings.Contains(lower, kw) {
				result.ResultType = workflow.ResultMatch
				result.ShouldAct = true
				result.Reason = "message contains help keyword: " + kw
				break
			}
		}
	case checkpoint.TypeChatVIPUser:
		if _, vip := p.cfg.VIPUserIDs[msg.User]; vip {
			result.ResultType = workflow.ResultMatch
			result.ShouldAct = true
			result.Reason = "message author is a VIP user"
		}
	}
	return result, nil
}

func (p *Point) GetActions(datum workflow.MonitoringDatum, result workflow.CheckResult) []checkpoint.ImmediateAction {
	if !result.ShouldAct {
		return nil
	}
	return []checkpoint.ImmediateAction{{
		Kind:   "chat-ack",
		Target: p.cfg.ChannelID,
		Parameters: workflow.Values{
			"thread_ts": datum.ID,
		},
	}}
}

func (p *Point) GetAfterProcess(datum workflow.MonitoringDatum, result workflow.CheckResult) []workflow.AIAction {
	if !result.ShouldAct {
		return nil
	}
	return []workflow.AIAction{{
		Name:              string(p.typ),
		WorkflowName:      "chat-response",
		CheckingPointName: p.desc.Name,
		AgentRole:         "support",
	}}
}

func tsToTime(ts string) time.Time {
	var sec, nsec int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &nsec); err != nil {
		return time.Time{}
	}
	return time.Unix(sec, nsec)
}
