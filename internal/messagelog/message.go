// Package messagelog defines chat turns and the append-only Log contract.
package messagelog

import (
	"sort"
	"time"
)

// SenderType identifies who produced a turn.
type SenderType string

const (
	SenderUser  SenderType = "USER"
	SenderBot   SenderType = "BOT"
	SenderAgent SenderType = "AGENT"
)

// MessageType is the presentation kind of a turn.
type MessageType string

const (
	TypeText       MessageType = "TEXT"
	TypeOptions    MessageType = "OPTIONS"
	TypeQuickReply MessageType = "QUICK_REPLY"
	TypeSystem     MessageType = "SYSTEM"
)

// Message is one persisted turn. Only IsRead changes after creation.
type Message struct {
	ID          int64       `json:"id"`
	SessionID   string      `json:"sessionId"`
	Content     string      `json:"content"`
	SenderType  SenderType  `json:"senderType"`
	MessageType MessageType `json:"messageType"`
	Timestamp   time.Time   `json:"timestamp"`
	IsRead      bool        `json:"isRead"`
}

// AddressedToUser reports whether the turn was written for the end user to read.
func (m Message) AddressedToUser() bool {
	return m.SenderType == SenderBot || m.SenderType == SenderAgent
}

// Entry is an Append request.
type Entry struct {
	SessionID   string
	Content     string
	SenderType  SenderType
	MessageType MessageType
	IsRead      bool
}

// UserTurn builds an Entry for an inbound user message. User turns are born read.
func UserTurn(sessionID, content string) Entry {
	return Entry{SessionID: sessionID, Content: content, SenderType: SenderUser, MessageType: TypeText, IsRead: true}
}

// BotTurn builds an unread Entry authored by the bot.
func BotTurn(sessionID, content string, mt MessageType) Entry {
	return Entry{SessionID: sessionID, Content: content, SenderType: SenderBot, MessageType: mt}
}

// AgentTurn builds an unread Entry authored by a human agent.
func AgentTurn(sessionID, content string) Entry {
	return Entry{SessionID: sessionID, Content: content, SenderType: SenderAgent, MessageType: TypeText}
}

// SortChronological orders messages by timestamp, breaking ties by id.
func SortChronological(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
