package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/amirphl/Kusanagi/models"
)

// RecipientContext is the data available to step content templates
type RecipientContext struct {
	RecipientID  string
	Address      string
	Name         string
	CampaignName string
	StepNumber   int
	VariantKey   string
}

// RenderedContent is the resolved content of one step for one recipient
type RenderedContent struct {
	Subject string
	Body    string
}

// ActionContent is the content part of a step's action config
type ActionContent struct {
	Subject  string `json:"subject" yaml:"subject"`
	Body     string `json:"body" yaml:"body"`
	PostText string `json:"post_text" yaml:"post_text"`
}

// ActionConfig is the decoded action config of a step. Variants override the base content.
type ActionConfig struct {
	ActionContent `yaml:",inline"`
	Variants      map[string]ActionContent `json:"variants,omitempty" yaml:"variants,omitempty"`
}

// ContentResolver turns a step's action config into deliverable content
type ContentResolver interface {
	Resolve(ctx context.Context, channel models.StepChannel, actionConfig []byte, rc RecipientContext) (RenderedContent, error)
}

// TemplateResolver renders action config fields as text templates
type TemplateResolver struct{}

func NewTemplateResolver() *TemplateResolver {
	return &TemplateResolver{}
}

// Resolve errors are permanent: a broken config fails the same way on every attempt.
func (r *TemplateResolver) Resolve(ctx context.Context, channel models.StepChannel, actionConfig []byte, rc RecipientContext) (RenderedContent, error) {
	var cfg ActionConfig
	if err := json.Unmarshal(actionConfig, &cfg); err != nil {
		return RenderedContent{}, NewPermanentError(fmt.Errorf("invalid action config: %w", err))
	}

	content := cfg.ActionContent
	if rc.VariantKey != "" {
		if v, ok := cfg.Variants[rc.VariantKey]; ok {
			content = mergeContent(content, v)
		}
	}

	text := content.Body
	if channel == models.StepChannelSocialPost && content.PostText != "" {
		text = content.PostText
	}
	if text == "" {
		return RenderedContent{}, NewPermanentError(fmt.Errorf("step %d has no content", rc.StepNumber))
	}

	subject, err := render("subject", content.Subject, rc)
	if err != nil {
		return RenderedContent{}, err
	}
	body, err := render("body", text, rc)
	if err != nil {
		return RenderedContent{}, err
	}
	return RenderedContent{Subject: subject, Body: body}, nil
}

func mergeContent(base, override ActionContent) ActionContent {
	if override.Subject != "" {
		base.Subject = override.Subject
	}
	if override.Body != "" {
		base.Body = override.Body
	}
	if override.PostText != "" {
		base.PostText = override.PostText
	}
	return base
}

func render(name, text string, rc RecipientContext) (string, error) {
	if text == "" {
		return "", nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", NewPermanentError(fmt.Errorf("invalid %s template: %w", name, err))
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, rc); err != nil {
		return "", NewPermanentError(fmt.Errorf("failed to render %s: %w", name, err))
	}
	return buf.String(), nil
}
