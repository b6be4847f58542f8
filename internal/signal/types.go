// Package signal is the chat transport: a JSON-RPC client for a
// signal-cli subprocess, the executor.Transport adapter on top of it,
// and the bridge that feeds received messages to the orchestrator.
package signal

// Envelope is one received event pushed by signal-cli. Only data
// messages reach the bridge.
type Envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceName   string `json:"sourceName"`
	Timestamp    int64  `json:"timestamp"`

	DataMessage    *DataMessage    `json:"dataMessage,omitempty"`
	TypingMessage  *TypingMessage  `json:"typingMessage,omitempty"`
	ReceiptMessage *ReceiptMessage `json:"receiptMessage,omitempty"`
}

// Sender returns the phone number of the sender, falling back to the
// raw source (a UUID for number-less accounts).
func (e *Envelope) Sender() string {
	if e.SourceNumber != "" {
		return e.SourceNumber
	}
	return e.Source
}

// MessageTimestamp is the id of the message on Signal: the data
// message timestamp when set, else the envelope's.
func (e *Envelope) MessageTimestamp() int64 {
	if e.DataMessage != nil && e.DataMessage.Timestamp != 0 {
		return e.DataMessage.Timestamp
	}
	return e.Timestamp
}

// DataMessage is a text message, possibly replying to another.
type DataMessage struct {
	Timestamp int64      `json:"timestamp"`
	Message   string     `json:"message"`
	GroupInfo *GroupInfo `json:"groupInfo,omitempty"`
	Reaction  *Reaction  `json:"reaction,omitempty"`
	Quote     *Quote     `json:"quote,omitempty"`
}

// Quote is the message a data message replies to.
type Quote struct {
	ID     int64  `json:"id"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

// Reaction is an emoji reaction. signal-cli delivers it inside a data
// message with no text.
type Reaction struct {
	Emoji               string `json:"emoji"`
	TargetAuthor        string `json:"targetAuthor"`
	TargetSentTimestamp int64  `json:"targetSentTimestamp"`
	IsRemove            bool   `json:"isRemove"`
}

// GroupInfo identifies the group a message was sent to.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

// TypingMessage indicates that a contact started or stopped typing.
type TypingMessage struct {
	Action    string `json:"action"` // "STARTED" or "STOPPED"
	Timestamp int64  `json:"timestamp"`
}

// ReceiptMessage is a delivery or read receipt.
type ReceiptMessage struct {
	When       int64   `json:"when"`
	Type       string  `json:"type"`
	Timestamps []int64 `json:"timestamps"`
}

type receiveParams struct {
	Envelope Envelope `json:"envelope"`
}

type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}
