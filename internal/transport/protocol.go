package transport

import (
	"github.com/chatbi-core/server/internal/agent/model"
)

// Client frame types.
const (
	TypeUserMessage = "user_message"
	TypeInterrupt   = "interrupt"
	TypeGetHistory  = "get_history"
	TypePing        = "ping"
)

// Server frame types.
const (
	TypeStatus      = "status"
	TypeTextChunk   = "text_chunk"
	TypeComplete    = "complete"
	TypeError       = "error"
	TypeInterrupted = "interrupted"
	TypeHistory     = "history"
	TypePong        = "pong"
)

// ClientFrame is every message a client may send; Type selects the fields
// that apply.
type ClientFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	BeforeID  string `json:"before_message_id,omitempty"`
}

// ServerFrame is the envelope of every server message.
type ServerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id,omitempty"`

	// status
	Stage    string `json:"stage,omitempty"`
	Progress int    `json:"progress,omitempty"`

	// text_chunk
	Content string `json:"content,omitempty"`
	Index   int    `json:"index,omitempty"`
	IsFirst bool   `json:"is_first,omitempty"`
	IsLast  bool   `json:"is_last,omitempty"`

	// complete
	Result *model.TurnResult `json:"result,omitempty"`

	// error
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	// interrupted
	PartialAnswer string `json:"partial_answer,omitempty"`

	// history
	Messages []model.Message `json:"messages,omitempty"`
	HasMore  bool            `json:"has_more,omitempty"`
}

const chunkRunes = 24

// chunks splits an answer into ordered text fragments.
func chunks(answer string) []string {
	r := []rune(answer)
	if len(r) == 0 {
		return []string{""}
	}
	out := make([]string, 0, len(r)/chunkRunes+1)
	for len(r) > 0 {
		n := min(chunkRunes, len(r))
		out = append(out, string(r[:n]))
		r = r[n:]
	}
	return out
}
