// ABOUTME: Discord gateway v10 wire types and opcode constants
// ABOUTME: Only the fields the bridge consumes are modeled

package discord

import jsoniter "github.com/json-iterator/go"

// Gateway opcodes (v10).
const (
	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opHello        = 10
	opHeartbeatACK = 11
)

// Dispatched event names the bridge handles.
const (
	eventReady         = "READY"
	eventMessageCreate = "MESSAGE_CREATE"
	eventMessageUpdate = "MESSAGE_UPDATE"
	eventMessageDelete = "MESSAGE_DELETE"
)

// gatewayIntents requests guilds and message content: (1<<15) | (1<<9).
const gatewayIntents = (1 << 15) | (1 << 9)

// gatewayPayload is the envelope of every gateway frame.
type gatewayPayload struct {
	Op int                 `json:"op"`
	T  string              `json:"t,omitempty"`
	S  *int64              `json:"s,omitempty"`
	D  jsoniter.RawMessage `json:"d,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID string `json:"session_id"`
	User      user   `json:"user"`
}

type user struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type guildMember struct {
	Nick string `json:"nick"`
	User user   `json:"user"`
}

type wireAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// Sticker format types; 1=PNG, 2=APNG, 3=LOTTIE (skipped), 4=GIF.
const (
	stickerFormatPNG    = 1
	stickerFormatAPNG   = 2
	stickerFormatLottie = 3
)

type stickerItem struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	FormatType int    `json:"format_type"`
}

type messageEvent struct {
	ID                string           `json:"id"`
	ChannelID         string           `json:"channel_id"`
	Content           string           `json:"content"`
	Author            user             `json:"author"`
	Member            *guildMember     `json:"member"`
	Attachments       []wireAttachment `json:"attachments"`
	StickerItems      []stickerItem    `json:"sticker_items"`
	ReferencedMessage *struct {
		ID string `json:"id"`
	} `json:"referenced_message"`
}

type messageDeleteEvent struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

type identifyCommand struct {
	Op int          `json:"op"`
	D  identifyData `json:"d"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     identifyProperties `json:"properties"`
	LargeThreshold int                `json:"large_threshold"`
	Compress       bool               `json:"compress"`
	Intents        int                `json:"intents"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type heartbeatCommand struct {
	Op int    `json:"op"`
	D  *int64 `json:"d"`
}
