package chat

import "time"

// BotSender is the sender recorded for generated replies.
const BotSender = "bot"

// Message is one committed chat line.
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// IsBot reports whether the message was produced by the generator.
func (m Message) IsBot() bool {
	return m.Sender == BotSender
}
