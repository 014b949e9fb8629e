package ws

// Client → server messages. Server → client messages live in the session
// package, next to the state they snapshot.

const (
	msgEdit  = "edit"
	msgClear = "clear"
)

type clientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}
