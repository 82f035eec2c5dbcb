// ABOUTME: Message and Attachment value types shared by hubs and connectors
// ABOUTME: One Message describes a single observation on its origin platform

package message

// Attachment is a file that arrived with a message, already downloaded
// into the hub's cache directory.
type Attachment struct {
	// Name is the logical filename as reported by the origin platform.
	Name string

	// MimeType is the attachment's MIME type, empty when the platform
	// does not report one.
	MimeType string

	// Path is the local path inside the hub's cache directory.
	Path string
}

// Message is an immutable record of one message observed on its origin
// platform. Sibling connectors receive the same Message during fan-out
// and address it with their own channel and reply ids.
type Message struct {
	// Origin is the platform name of the connector that observed the
	// message. It doubles as the correspondence column key.
	Origin string

	// ChannelID is the remote channel identifier on the origin platform.
	ChannelID string

	// ID is the remote message id assigned by the origin platform.
	ID string

	// ReplyTo is the origin platform's id of the message being replied
	// to, empty when the message is not a reply.
	ReplyTo string

	// Author is the resolved display name: nickname when the platform
	// provides one, username otherwise.
	Author string

	// Text is the message body. May be empty when only attachments are
	// present.
	Text string

	Attachments []Attachment
}
