// Package email implements the email-alert checking point against a
// Microsoft-Graph-style mailbox: app-only OAuth2 client-credentials
// auth refreshes the access token golang.org/x/oauth2 manages, and a
// poll against the mail-list endpoint produces MonitoringData for
// unread messages. Grounded on the teacher's internal/auth oauth2
// usage and internal/channels/email.Config's field set, trimmed to
// the single poll FetchData needs.
package email

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/conductorhq/conductor/internal/checkpoint"
	"github.com/conductorhq/conductor/pkg/workflow"
)

func init() {
	checkpoint.Register(checkpoint.TypeEmailAlert, newPoint)
}

// graphTokenURLTemplate is the Microsoft identity platform v2 token
// endpoint, parameterized by Azure AD tenant.
const graphTokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

const graphScope = "https://graph.microsoft.com/.default"

// Message is the subset of a Graph message resource email-alert reads.
type Message struct {
	ID               string `json:"id"`
	Subject          string `json:"subject"`
	From             struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	IsRead           bool   `json:"isRead"`
	ImportanceLevel  string `json:"importance"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
}

// Config is the email checking point's per-instance configuration.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	UserEmail    string
	// AlertSenders, if non-empty, is the set of sender addresses that
	// trigger a match; an empty set matches any unread message marked
	// "high" importance instead.
	AlertSenders map[string]struct{}
}

func configFrom(cfg workflow.Values) Config {
	c := Config{AlertSenders: map[string]struct{}{}}
	if v, ok := cfg["tenant_id"].(string); ok {
		c.TenantID = v
	}
	if v, ok := cfg["client_id"].(string); ok {
		c.ClientID = v
	}
	if v, ok := cfg["client_secret"].(string); ok {
		c.ClientSecret = v
	}
	if v, ok := cfg["user_email"].(string); ok {
		c.UserEmail = v
	}
	if v, ok := cfg["alert_senders"].([]string); ok {
		for _, addr := range v {
			c.AlertSenders[strings.ToLower(addr)] = struct{}{}
		}
	}
	return c
}

// httpDoer is the subset of *http.Client the Point needs, so tests can
// substitute a fake transport.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Point implements checkpoint.CheckingPoint for email-alert.
type Point struct {
	desc   checkpoint.Descriptor
	cfg    Config
	client httpDoer
}

func newPoint(raw workflow.Values) (checkpoint.CheckingPoint, error) {
	cfg := configFrom(raw)
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("email: tenant_id, client_id, and client_secret are all required")
	}
	if cfg.UserEmail == "" {
		return nil, fmt.Errorf("email: user_email is required")
	}

	tokenSource := (&clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf(graphTokenURLTemplate, cfg.TenantID),
		Scopes:       []string{graphScope},
	}).TokenSource(context.Background())

	return &Point{
		cfg:    cfg,
		client: oauth2.NewClient(context.Background(), tokenSource),
		desc: checkpoint.DescriptorFrom(raw, checkpoint.TypeEmailAlert, checkpoint.Descriptor{
			FetchTimeout:  15 * time.Second,
			FetchInterval: 30 * time.Second,
		}),
	}, nil
}

func (p *Point) Descriptor() checkpoint.Descriptor { return p.desc }

// FetchData lists unread messages in the mailbox's inbox.
func (p *Point) FetchData(ctx context.Context, params workflow.Values) ([]workflow.MonitoringDatum, error) {
	url := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/mailFolders/inbox/messages?$filter=isRead eq false", p.cfg.UserEmail)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("email: build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("email: list messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("email: list messages: unexpected status %d", resp.StatusCode)
	}

	var page struct {
		Value []Message `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("email: decode messages: %w", err)
	}

	data := make([]workflow.MonitoringDatum, 0, len(page.Value))
	for _, msg := range page.Value {
		data = append(data, workflow.MonitoringDatum{
			ID:        msg.ID,
			Type:      workflow.DatumEmail,
			Source:    p.cfg.UserEmail,
			Payload:   msg,
			Timestamp: msg.ReceivedDateTime,
		})
	}
	return data, nil
}

func (p *Point) CanHandle(datum workflow.MonitoringDatum) bool {
	return datum.Type == workflow.DatumEmail
}

func (p *Point) Evaluate(ctx context.Context, datum workflow.MonitoringDatum) (workflow.CheckResult, error) {
	msg, ok := datum.Payload.(Message)
	if !ok {
		return workflow.CheckResult{}, fmt.Errorf("email: unexpected payload type %T", datum.Payload)
	}

	result := workflow.CheckResult{
		CheckingPointName: p.desc.Name,
		CheckingPointType: string(checkpoint.TypeEmailAlert),
		ResultType:        workflow.ResultNoMatch,
	}

	sender := strings.ToLower(msg.From.EmailAddress.Address)
	switch {
	case len(p.cfg.AlertSenders) > 0:
		if _, ok := p.cfg.AlertSenders[sender]; ok {
			result.ResultType = workflow.ResultMatch
			result.ShouldAct = true
			result.Reason = "message from a watched sender: " + sender
		}
	case msg.ImportanceLevel == "high":
		result.ResultType = workflow.ResultMatch
		result.ShouldAct = true
		result.Reason = "unread message flagged high importance"
	}
	return result, nil
}

func (p *Point) GetActions(datum workflow.MonitoringDatum, result workflow.CheckResult) []checkpoint.ImmediateAction {
	if !result.ShouldAct {
		return nil
	}
	msg, _ := datum.Payload.(Message)
	return []checkpoint.ImmediateAction{{
		Kind:   "mark-flagged",
		Target: msg.ID,
	}}
}

func (p *Point) GetAfterProcess(datum workflow.MonitoringDatum, result workflow.CheckResult) []workflow.AIAction {
	if !result.ShouldAct {
		return nil
	}
	return []workflow.AIAction{{
		Name:              string(checkpoint.TypeEmailAlert),
		WorkflowName:      "email-triage",
		CheckingPointName: p.desc.Name,
		AgentRole:         "support",
	}}
}
