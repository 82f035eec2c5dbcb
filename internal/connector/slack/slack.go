// ABOUTME: Slack connector: Socket Mode ingress plus Web API egress
// ABOUTME: Envelope acks are sent before any event work begins

package slack

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/bygeon/bygeon/internal/cache"
	"github.com/bygeon/bygeon/internal/connector"
	"github.com/bygeon/bygeon/internal/echo"
	"github.com/bygeon/bygeon/internal/hub"
	"github.com/bygeon/bygeon/internal/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	platformName   = "Slack"
	defaultAPIBase = "https://slack.com/api"

	reconnectDelay = 5 * time.Second
)

// Socket Mode envelope types.
const (
	envelopeHello      = "hello"
	envelopeDisconnect = "disconnect"
	envelopeEventsAPI  = "events_api"
)

// message event subtypes the bridge routes.
const (
	subtypeNone           = ""
	subtypeBotMessage     = "bot_message"
	subtypeMessageChanged = "message_changed"
	subtypeMessageDeleted = "message_deleted"
	subtypeFileShare      = "file_share"
)

// envelope is a Socket Mode frame.
type envelope struct {
	Type       string `json:"type"`
	EnvelopeID string `json:"envelope_id"`
	Payload    struct {
		Event messageEvent `json:"event"`
	} `json:"payload"`
}

type wireFile struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Mimetype           string `json:"mimetype"`
	URLPrivateDownload string `json:"url_private_download"`
}

type messageEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Username string `json:"username"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts"`

	DeletedTS string `json:"deleted_ts"`
	Message   *struct {
		TS   string `json:"ts"`
		Text string `json:"text"`
		User string `json:"user"`
	} `json:"message"`
	Files []wireFile `json:"files"`
}

// Slack bridges one Slack workspace bot over Socket Mode. The app token
// opens the socket; the bot token signs every Web API call.
type Slack struct {
	appToken string
	botToken string

	apiBase string
	client  *http.Client

	hubs      map[string]*hub.Hub
	names     map[string]string
	namesOnce sync.Once

	botUserID string

	suppressor *echo.Suppressor
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// New creates a Slack connector.
func New(appToken, botToken string) *Slack {
	return &Slack{
		appToken:   appToken,
		botToken:   botToken,
		apiBase:    defaultAPIBase,
		client:     &http.Client{Timeout: 30 * time.Second},
		hubs:       make(map[string]*hub.Hub),
		names:      make(map[string]string),
		suppressor: echo.New(5*time.Minute, 1000),
		logger:     slog.Default().With("platform", platformName),
	}
}

// Name returns the platform name used as the correspondence column key.
func (s *Slack) Name() string { return platformName }

// AddHub registers a channel → hub binding. The workspace display-name
// table is fetched on the first registration.
func (s *Slack) AddHub(channelID string, h *hub.Hub) {
	s.hubs[channelID] = h
	s.namesOnce.Do(s.fetchUsers)
}

// Start resolves the bot's own identity, then launches the Socket Mode
// ingress loop. An auth.test failure is fatal: without the bot user id
// self-echoes cannot be filtered.
func (s *Slack) Start() error {
	id, err := s.authTest()
	if err != nil {
		return fmt.Errorf("resolving bot identity: %w", err)
	}
	s.botUserID = id
	s.logger.Info("authenticated", "bot_user", id)

	s.wg.Add(1)
	go s.run()
	return nil
}

// Join blocks until the ingress loop exits.
func (s *Slack) Join() {
	s.wg.Wait()
}

func (s *Slack) run() {
	defer s.wg.Done()
	for {
		if err := s.session(); err != nil {
			s.logger.Error("socket mode session ended", "error", err)
		}
		time.Sleep(reconnectDelay)
		s.logger.Info("reconnecting to socket mode")
	}
}

// session opens a fresh Socket Mode connection and processes envelopes
// until the socket closes or the platform requests a disconnect.
func (s *Slack) session() error {
	wsURL, err := s.connectionsOpen()
	if err != nil {
		return fmt.Errorf("opening socket mode session: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing socket mode: %w", err)
	}
	defer conn.Close()

	sc := connector.NewSafeConn(conn)
	s.logger.Info("socket mode connection opened")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading envelope: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug("unparseable envelope", "error", err)
			continue
		}

		switch env.Type {
		case envelopeHello:
			// Connection established; nothing to do.
		case envelopeDisconnect:
			return fmt.Errorf("disconnect requested by platform")
		case envelopeEventsAPI:
			// Ack first: Slack redelivers unacked envelopes, and the
			// event work below can block on downloads.
			s.ack(sc, env.EnvelopeID)
			s.handleEvent(&env.Payload.Event)
		default:
			s.logger.Debug("unhandled envelope", "type", env.Type)
		}
	}
}

func (s *Slack) ack(sc *connector.SafeConn, envelopeID string) {
	if err := sc.WriteJSON(map[string]string{"envelope_id": envelopeID}); err != nil {
		s.logger.Warn("envelope ack failed", "error", err)
	}
}

func (s *Slack) handleEvent(ev *messageEvent) {
	if ev.Type != "message" {
		return
	}
	h, ok := s.hubs[ev.Channel]
	if !ok {
		return
	}

	switch ev.Subtype {
	case subtypeMessageDeleted:
		if s.suppressor.Drop(ev.DeletedTS) {
			return
		}
		h.OnDelete(platformName, ev.DeletedTS)

	case subtypeBotMessage:
		// Our own chat.postMessage calls loop back as bot_message
		// events; other bots' messages are bridged like anyone else's.
		if s.suppressor.Drop(ev.TS) || ev.User == s.botUserID {
			return
		}
		h.OnNewMessage(s.decodeMessage(ev, h))

	case subtypeMessageChanged:
		if ev.Message == nil {
			return
		}
		// Our own chat.update calls loop back as message_changed events;
		// the nested message carries no user when the post used a
		// username override, so the bot-user check alone cannot catch
		// them.
		if s.suppressor.Drop(ev.Message.TS) || ev.Message.User == s.botUserID {
			return
		}
		h.OnEdit(message.Message{
			Origin:    platformName,
			ChannelID: ev.Channel,
			ID:        ev.Message.TS,
			Author:    s.displayName(ev.Message.User, ""),
			Text:      ev.Message.Text,
		})

	case subtypeFileShare:
		if ev.User == s.botUserID {
			return
		}
		h.OnNewMessage(s.decodeMessage(ev, h))

	case subtypeNone:
		if ev.User == s.botUserID {
			return
		}
		h.OnNewMessage(s.decodeMessage(ev, h))

	default:
		s.logger.Debug("unhandled message subtype", "subtype", ev.Subtype)
	}
}

// decodeMessage builds the bridge message, downloading shared files with
// bearer auth. Message identity on Slack is the ts timestamp string.
func (s *Slack) decodeMessage(ev *messageEvent, h *hub.Hub) message.Message {
	var attachments []message.Attachment
	if len(ev.Files) > 0 {
		dir := cache.Dir(h.Name())
		header := http.Header{}
		header.Set("Authorization", "Bearer "+s.botToken)
		for _, f := range ev.Files {
			name := connector.CacheName(platformName, f.ID) + "_" + f.Name
			path, err := cache.Download(s.client, f.URLPrivateDownload, dir, name, header)
			if err != nil {
				s.logger.Warn("file download failed", "file", f.Name, "error", err)
				continue
			}
			attachments = append(attachments, message.Attachment{Name: f.Name, MimeType: f.Mimetype, Path: path})
		}
	}

	return message.Message{
		Origin:      platformName,
		ChannelID:   ev.Channel,
		ID:          ev.TS,
		ReplyTo:     ev.ThreadTS,
		Author:      s.displayName(ev.User, ev.Username),
		Text:        ev.Text,
		Attachments: attachments,
	}
}

// displayName resolves a user id through the workspace table, falling
// back to the event-supplied username.
func (s *Slack) displayName(userID, fallback string) string {
	if name, ok := s.names[userID]; ok {
		return name
	}
	if fallback != "" {
		return fallback
	}
	return userID
}

// Send posts via chat.postMessage; threaded replies set thread_ts.
// Attachments are uploaded separately, one files.upload per attachment,
// with the text doubling as the upload's initial comment.
func (s *Slack) Send(m message.Message, channelID, replyTo string) (string, error) {
	for _, att := range m.Attachments {
		if err := s.uploadFile(att, channelID, m.Text); err != nil {
			s.logger.Warn("file upload failed", "file", att.Name, "error", err)
		}
	}

	payload := map[string]any{
		"channel":  channelID,
		"text":     m.Text,
		"username": m.Author,
	}
	if replyTo != "" {
		payload["thread_ts"] = replyTo
	}

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		TS    string `json:"ts"`
	}
	if err := s.callJSON("chat.postMessage", payload, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("chat.postMessage: %s", resp.Error)
	}
	// The post loops back as a bot_message event carrying this ts.
	s.suppressor.Mark(resp.TS)
	return resp.TS, nil
}

// Edit rewrites the remote message via chat.update. Slack ts identities
// are stable, so the same id is returned.
func (s *Slack) Edit(m message.Message, channelID, remoteID string) (string, error) {
	// The update loops back as a message_changed event carrying this ts.
	s.suppressor.Mark(remoteID)

	payload := map[string]any{
		"channel": channelID,
		"ts":      remoteID,
		"text":    m.Text,
	}

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := s.callJSON("chat.update", payload, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("chat.update: %s", resp.Error)
	}
	return remoteID, nil
}

// Delete removes the remote message via chat.delete and marks the ts so
// the resulting message_deleted event is recognized as our own echo.
func (s *Slack) Delete(remoteID, channelID string) error {
	s.suppressor.Mark(remoteID)

	payload := map[string]any{
		"channel": channelID,
		"ts":      remoteID,
	}

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := s.callJSON("chat.delete", payload, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("chat.delete: %s", resp.Error)
	}
	return nil
}

// uploadFile posts one attachment through files.upload as a multipart
// form.
func (s *Slack) uploadFile(att message.Attachment, channelID, comment string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("channels", channelID); err != nil {
		return fmt.Errorf("writing channels field: %w", err)
	}
	if comment != "" {
		if err := w.WriteField("initial_comment", comment); err != nil {
			return fmt.Errorf("writing initial_comment field: %w", err)
		}
	}

	part, err := w.CreateFormFile("file", filepath.Base(att.Path))
	if err != nil {
		return fmt.Errorf("creating file part: %w", err)
	}
	f, err := os.Open(att.Path)
	if err != nil {
		return fmt.Errorf("opening attachment: %w", err)
	}
	_, err = io.Copy(part, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("writing attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing multipart body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, s.apiBase+"/files.upload", &buf)
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.botToken)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading file: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding upload response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("files.upload: %s", result.Error)
	}
	return nil
}

// connectionsOpen negotiates a Socket Mode WebSocket URL with the app
// token.
func (s *Slack) connectionsOpen() (string, error) {
	req, err := http.NewRequest(http.MethodPost, s.apiBase+"/apps.connections.open", nil)
	if err != nil {
		return "", fmt.Errorf("building connections.open request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.appToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling apps.connections.open: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		URL   string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding connections.open response: %w", err)
	}
	if !result.OK || result.URL == "" {
		return "", fmt.Errorf("apps.connections.open: %s", result.Error)
	}
	return result.URL, nil
}

// authTest resolves the bot's own user id.
func (s *Slack) authTest() (string, error) {
	req, err := http.NewRequest(http.MethodPost, s.apiBase+"/auth.test", nil)
	if err != nil {
		return "", fmt.Errorf("building auth.test request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling auth.test: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding auth.test response: %w", err)
	}
	if !result.OK {
		return "", fmt.Errorf("auth.test: %s", result.Error)
	}
	return result.UserID, nil
}

// fetchUsers loads the workspace display-name table. Failure degrades
// name resolution to raw user ids.
func (s *Slack) fetchUsers() {
	req, err := http.NewRequest(http.MethodGet, s.apiBase+"/users.list?"+url.Values{"limit": {"1000"}}.Encode(), nil)
	if err != nil {
		s.logger.Warn("building users.list request failed", "error", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("fetching users failed", "error", err)
		return
	}
	defer resp.Body.Close()

	var result struct {
		OK      bool `json:"ok"`
		Members []struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Profile struct {
				DisplayName string `json:"display_name"`
			} `json:"profile"`
		} `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		s.logger.Warn("decoding users.list failed", "error", err)
		return
	}
	if !result.OK {
		s.logger.Warn("users.list returned not ok")
		return
	}

	for _, m := range result.Members {
		if m.Profile.DisplayName != "" {
			s.names[m.ID] = m.Profile.DisplayName
		} else {
			s.names[m.ID] = m.Name
		}
	}
	s.logger.Info("fetched workspace display names", "count", len(s.names))
}

// callJSON posts a JSON body to a Web API method with bearer auth.
func (s *Slack) callJSON(method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", method, err)
	}

	req, err := http.NewRequest(http.MethodPost, s.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.botToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	return nil
}

var _ connector.Connector = (*Slack)(nil)
