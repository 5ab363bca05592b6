package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
)

// Config holds settings for the Postmark-backed queue client.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL,required"`
	MessageStream        string `env:"POSTMARK_MESSAGE_STREAM" envDefault:"outbound"`
}

var (
	ErrInvalidConfig   = errors.New("invalid notification config")
	ErrFailedToEnqueue = errors.New("failed to enqueue notification")
)

type postmarkEnqueuer struct {
	client *postmark.Client
	cfg    Config
}

// NewPostmarkEnqueuer creates a Postmark-backed Enqueuer. Templates are
// addressed by alias so the queue and this service can evolve templates
// independently.
func NewPostmarkEnqueuer(cfg Config) (Enqueuer, error) {
	if cfg.PostmarkServerToken == "" {
		return nil, fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidConfig)
	}
	if cfg.SenderEmail == "" {
		return nil, fmt.Errorf("%w: SenderEmail is required", ErrInvalidConfig)
	}

	return &postmarkEnqueuer{
		client: postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken),
		cfg:    cfg,
	}, nil
}

func (p *postmarkEnqueuer) Enqueue(ctx context.Context, intent Intent) error {
	if intent.To == "" || intent.TemplateID == "" {
		return fmt.Errorf("%w: recipient and template are required", ErrInvalidConfig)
	}

	model := make(map[string]any, len(intent.TemplateData))
	for k, v := range intent.TemplateData {
		model[k] = v
	}

	email := postmark.TemplatedEmail{
		TemplateAlias: intent.TemplateID,
		TemplateModel: model,
		From:          p.cfg.SenderEmail,
		To:            intent.To,
		Tag:           intent.TemplateID,
		MessageStream: p.cfg.MessageStream,
	}
	if intent.DedupeKey != "" {
		email.Metadata = map[string]any{"dedupe_key": intent.DedupeKey}
	}

	resp, err := p.client.SendTemplatedEmail(ctx, email)
	if err != nil {
		return errors.Join(ErrFailedToEnqueue, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToEnqueue,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}
