package outputs

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"skimmerwatch/internal/config"
	"skimmerwatch/internal/processors/names"
	"skimmerwatch/internal/types"
	"skimmerwatch/internal/utils"
)

const defaultChatTemplate = `Hit! Submitted URL: {{.SubmittedURL}}
{{- if .ReportURL}}
Scan report: {{.ReportURL}}
{{- end}}
Scripts found:
{{- range .Findings}}
- {{.ScriptURL}} [{{join .FiredRules ", "}}]
{{- end}}
`

// Sender posts plain text to a chat channel.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

// ChatOutput posts a digest of each submitted URL's findings. Messages go
// straight to the channel and never become queue items.
type ChatOutput struct {
	sender         Sender
	defaultChannel string
	template       *template.Template
}

type chatDigest struct {
	SubmittedURL string
	ReportURL    string
	Findings     []types.Finding
}

func NewChatOutput(sender Sender, defaultChannel string) *ChatOutput {
	tmpl, err := utils.ParseTemplate("chat", defaultChatTemplate)
	if err != nil {
		panic(err)
	}
	return &ChatOutput{
		sender:         sender,
		defaultChannel: defaultChannel,
		template:       tmpl,
	}
}

func (o *ChatOutput) Name() string {
	return names.ChatOutput
}

func (o *ChatOutput) Emit(ctx context.Context, findings []types.Finding, settings map[string]interface{}) error {
	channelID := config.GetString(settings, "channel_id", o.defaultChannel)
	if channelID == "" {
		return fmt.Errorf("chat output: no channel_id configured")
	}

	tmpl := o.template
	if path := config.GetString(settings, "template", ""); path != "" {
		loaded, err := utils.LoadTemplate(path)
		if err != nil {
			return err
		}
		tmpl = loaded
	}

	for _, digest := range groupBySubmission(findings) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, digest); err != nil {
			return fmt.Errorf("chat output: failed to render digest: %w", err)
		}
		if err := o.sender.Send(ctx, channelID, buf.String()); err != nil {
			return fmt.Errorf("chat output: %w", err)
		}
	}
	return nil
}

// groupBySubmission keeps the order in which submitted URLs first appear.
func groupBySubmission(findings []types.Finding) []chatDigest {
	index := make(map[string]int)
	digests := make([]chatDigest, 0)
	for _, f := range findings {
		i, ok := index[f.SubmittedURL]
		if !ok {
			i = len(digests)
			index[f.SubmittedURL] = i
			digests = append(digests, chatDigest{SubmittedURL: f.SubmittedURL, ReportURL: f.ScanReportURL})
		}
		digests[i].Findings = append(digests[i].Findings, f)
	}
	return digests
}
