package signal

import (
	"context"

	"github.com/nugget/kinship/internal/executor"
	"github.com/nugget/kinship/internal/relationship"
)

// Sender is the subset of Client the transport uses.
type Sender interface {
	Send(ctx context.Context, recipient, text string) (int64, error)
	SendQuoted(ctx context.Context, recipient, text, quoteAuthor string, quoteTimestamp int64, quoteText string) (int64, error)
	SendReaction(ctx context.Context, recipient, emoji, targetAuthor string, targetTimestamp int64) error
	SendTyping(ctx context.Context, recipient string, stop bool) error
}

// Transport delivers executor output over Signal.
type Transport struct {
	client  Sender
	account string
}

var _ executor.Transport = (*Transport)(nil)

// NewTransport returns a transport sending as account, the bot's own
// number. Handles of sent messages carry it as their author.
func NewTransport(client Sender, account string) *Transport {
	return &Transport{client: client, account: account}
}

// SendText implements executor.Transport.
func (t *Transport) SendText(ctx context.Context, to, text string) (executor.MessageHandle, error) {
	ts, err := t.client.Send(ctx, to, text)
	if err != nil {
		return executor.MessageHandle{}, err
	}
	return executor.MessageHandle{Author: t.account, Timestamp: ts}, nil
}

// SendReaction implements executor.Transport.
func (t *Transport) SendReaction(ctx context.Context, to, emoji string, target executor.MessageHandle) error {
	author := target.Author
	if author == "" {
		author = t.account
	}
	return t.client.SendReaction(ctx, to, emoji, author, target.Timestamp)
}

// Forward sends the stored text quoting the original message, so the
// recipient sees who said it.
func (t *Transport) Forward(ctx context.Context, to string, ref relationship.MessageRef) (executor.MessageHandle, error) {
	ts, err := t.client.SendQuoted(ctx, to, ref.Text, ref.Author, ref.Timestamp, ref.Text)
	if err != nil {
		return executor.MessageHandle{}, err
	}
	return executor.MessageHandle{Author: t.account, Timestamp: ts}, nil
}

// SetPresence implements executor.Transport.
func (t *Transport) SetPresence(ctx context.Context, to string, p executor.Presence) error {
	return t.client.SendTyping(ctx, to, p == executor.Paused)
}
