package core

import "time"

// RawMessage is a chat message as fetched from the platform for one broadcast.
type RawMessage struct {
	ID        string    // platform-assigned, unique within a broadcast
	Text      string    // display text as typed by the author
	Author    string    // optional: author channel id
	Ts        time.Time // optional: platform publish time
	Broadcast string    // video id the message was fetched for
}

// Superchat is published once per newly credited donation message.
type Superchat struct {
	ID          string    `json:"id"`
	VideoID     string    `json:"videoId"`
	MessageID   string    `json:"messageId"`
	MessageText string    `json:"messageText"`
	Amount      string    `json:"amount"` // decimal as typed, e.g. "50" or "12.5"
	CreditedAt  time.Time `json:"creditedAt"`
}
