package codegen

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/foundry-ci/foundry/provider"
)

// APIDriver invokes the generation engine directly through the
// anthropic-sdk-go client instead of shelling out to a CLI; Generate does not
// go through the Provider abstraction (§4.9). It is grounded on agents/api_spawner.go's
// shape (build a request, send it, parse a terminal result) but delegates the
// actual transport to the real anthropic-sdk-go client rather than the
// teacher's hand-rolled HTTP call, since the SDK is available in the pack.
type APIDriver struct {
	client anthropic.Client
	model  anthropic.Model
	prov   provider.Provider
}

// NewAPIDriver builds an APIDriver using apiKey for direct transport. prov is
// stored on the driver but not used by Generate, and no accessor exposes it.
func NewAPIDriver(apiKey string, model anthropic.Model, prov provider.Provider) *APIDriver {
	return &APIDriver{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		prov:   prov,
	}
}

func (d *APIDriver) Generate(ctx context.Context, req Request) (Result, error) {
	systemPrompt := fmt.Sprintf(
		"You are operating against the working tree at %s. Permitted tools: %s. "+
			"Make the minimal set of edits needed and report every file you touched as a line 'Modified: <path>' or 'Created: <path>'.",
		req.WorkDir, joinTools(req.AllowedTools),
	)

	msg, err := d.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     d.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("codegen: anthropic api generate: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
			sb.WriteString("\n")
		}
	}
	output := sb.String()

	return Result{
		Summary:      strings.TrimSpace(output),
		FilesChanged: parseFilesChanged(output),
		RawOutput:    output,
	}, nil
}

var _ Driver = (*APIDriver)(nil)
