package voice

import "github.com/MrWong99/callrelay/internal/session"

// Inbound interaction types.
const (
	InteractionUpdateOnly       = "update_only"
	InteractionResponseRequired = "response_required"
)

const responseTypeResponse = "response"

// inboundFrame is a frame sent by the voice platform.
type inboundFrame struct {
	InteractionType string         `json:"interaction_type"`
	Transcript      []session.Turn `json:"transcript"`
	ResponseID      *int64         `json:"response_id,omitempty"`
}

// greetingFrame is sent once, right after the connection is accepted.
type greetingFrame struct {
	ResponseType string `json:"response_type"`
	Content      string `json:"content"`
	EndCall      bool   `json:"end_call"`
}

// replyFrame carries one fragment of a reply, or its terminator when
// ContentComplete is set.
type replyFrame struct {
	ResponseType    string `json:"response_type"`
	ResponseID      int64  `json:"response_id"`
	Content         string `json:"content"`
	ContentComplete bool   `json:"content_complete"`
	EndCall         bool   `json:"end_call"`
}

func newGreeting() greetingFrame {
	return greetingFrame{ResponseType: responseTypeResponse}
}

func newFragment(id int64, content string) replyFrame {
	return replyFrame{ResponseType: responseTypeResponse, ResponseID: id, Content: content}
}

func newTerminator(id int64, content string) replyFrame {
	return replyFrame{ResponseType: responseTypeResponse, ResponseID: id, Content: content, ContentComplete: true}
}
