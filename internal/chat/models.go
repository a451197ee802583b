package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chat is one conversation. List ordering is by UpdatedAt descending with
// CreatedAt as the tiebreak; UpdatedAt never decreases.
type Chat struct {
	ID        string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	Messages  []Message `gorm:"foreignKey:ChatID;references:ID" json:"messages,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

// Message is one entry in a chat transcript. MsgID is assigned by the client
// at creation time (millisecond timestamp, unique within the chat).
// Streaming is session-local state and is never true at rest.
type Message struct {
	RowID     uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ChatID    string    `gorm:"type:varchar(26);not null;index:uniq_chat_msg,unique,priority:1" json:"-"`
	MsgID     int64     `gorm:"not null;index:uniq_chat_msg,unique,priority:2" json:"id"`
	Role      string    `gorm:"type:varchar(16);not null" json:"type"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Timestamp string    `gorm:"type:varchar(32)" json:"timestamp"`
	Streaming bool      `gorm:"-" json:"streaming"`
	CreatedAt time.Time `json:"-"`
}

func (Message) TableName() string { return "chat_messages" }
