package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jakebbass/afilli/internal/email"
	"github.com/jakebbass/afilli/internal/llm"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/tasks"
)

const (
	defaultSubject   = "Personalized Recommendation"
	maxOutreachOffer = 3
)

var subjectRe = regexp.MustCompile(`(?i)Subject:\s*(.+?)(\n|$)`)

// OutreachOutput is the output of outreach_generation. A failed send is
// reported in EmailSent and EmailError while the task still completes.
type OutreachOutput struct {
	LeadID          string   `json:"leadId"`
	OutreachContent string   `json:"outreachContent"`
	Subject         string   `json:"subject"`
	Channel         string   `json:"channel"`
	OffersIncluded  []string `json:"offersIncluded"`
	EmailSent       bool     `json:"emailSent"`
	EmailID         string   `json:"emailId,omitempty"`
	EmailError      string   `json:"emailError,omitempty"`
}

func (e *Executor) outreach() *archetype {
	return &archetype{
		needsPersona: true,
		handlers: map[tasks.TaskType]handler{
			tasks.OutreachGeneration: e.outreachGeneration,
		},
	}
}

func (e *Executor) outreachGeneration(ctx context.Context, r *run) (*outcome, error) {
	var in tasks.OutreachInput
	if err := r.input(&in); err != nil {
		return nil, err
	}
	if in.LeadID == "" {
		return nil, errors.New("outreach needs a lead id")
	}
	lead, err := e.store.GetLead(ctx, in.LeadID)
	if err != nil {
		return nil, err
	}
	if lead.Email == "" {
		return nil, fmt.Errorf("lead %s has no email address", lead.ID)
	}

	offers, err := e.store.OffersByID(ctx, lead.RecommendedOffers)
	if err != nil {
		return nil, err
	}
	if len(offers) > maxOutreachOffer {
		offers = offers[:maxOutreachOffer]
	}

	res, err := e.llm.GenerateText(ctx, llm.Request{
		System: "You are an expert sales copywriter specializing in personalized outreach that converts.",
		Prompt: outreachPrompt(lead, r.persona, offers),
	})
	if err != nil {
		return nil, err
	}
	subject, body := splitSubject(res.Text)

	sent, err := e.email.Send(ctx, email.Message{
		To:      lead.Email,
		Subject: subject,
		HTML:    body,
		LeadID:  lead.ID,
	})
	if err != nil {
		return nil, err
	}

	if sent.Success {
		if err := e.store.MarkLeadContacted(ctx, lead.ID, e.now()); err != nil {
			return nil, err
		}
	} else {
		e.log.WarnCtx("outreach email not sent", map[string]any{"lead_id": lead.ID, "error": sent.Error})
	}

	ids := make([]string, 0, len(offers))
	for _, o := range offers {
		ids = append(ids, o.ID)
	}
	return &outcome{
		output: OutreachOutput{
			LeadID:          lead.ID,
			OutreachContent: res.Text,
			Subject:         subject,
			Channel:         "email",
			OffersIncluded:  ids,
			EmailSent:       sent.Success,
			EmailID:         sent.EmailID,
			EmailError:      sent.Error,
		},
		metrics: store.Metrics{OutreachGenerated: 1},
	}, nil
}

func outreachPrompt(lead *store.Lead, persona *store.Persona, offers []store.Offer) string {
	company := lead.Company
	if company == "" {
		company = "Unknown"
	}
	var b strings.Builder
	for _, o := range offers {
		fmt.Fprintf(&b, "- %s: %s\n", o.Name, o.Description)
	}
	return fmt.Sprintf(`Create a highly personalized outreach message for this lead:

Lead Information:
- Company: %s
- Interests: %s
- Pain Points: %s
- Source: %s

Persona Context:
- %s: %s

Recommended Offers:
%s
Create an email that:
1. References their specific interests and pain points
2. Provides genuine value upfront
3. Naturally introduces the most relevant offer
4. Has a clear, low-friction call-to-action
5. Feels personal, not templated

Format as:
Subject: [subject line]

[email body in HTML format]`,
		company, strings.Join(lead.Interests, ", "), strings.Join(lead.PainPoints, ", "), lead.SourceURL,
		persona.Name, persona.Description, b.String())
}

// splitSubject pulls the first "Subject:" line out of a generated email.
func splitSubject(text string) (subject, body string) {
	subject = defaultSubject
	m := subjectRe.FindStringSubmatchIndex(text)
	if m == nil {
		return subject, strings.TrimSpace(text)
	}
	if s := strings.TrimSpace(text[m[2]:m[3]]); s != "" {
		subject = s
	}
	return subject, strings.TrimSpace(text[:m[0]] + text[m[1]:])
}
