package domain

import "time"

// Well-known setting keys. Values are free-form text; the typed helpers on the
// service parse bool/int values.
const (
	KeyWelcomeMessage    = "welcome_message"
	KeyMessageAckEnabled = "message_ack_enabled"
	KeyMessageAckText    = "message_ack_text"
	KeyAutoCloseDays     = "auto_close_days"
)

// Setting is one operator-tunable key/value pair.
type Setting struct {
	Key       string    `gorm:"primaryKey;type:text" json:"key"`
	Value     string    `gorm:"type:text;not null;default:''" json:"value"`
	UpdatedBy int64     `gorm:"not null;default:0" json:"updated_by,omitempty"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Setting) TableName() string { return "bot_settings" }
