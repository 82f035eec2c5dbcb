// ABOUTME: Discord connector: gateway v10 ingress plus REST egress
// ABOUTME: Resolves custom emojis and stickers to downloaded attachments

package discord

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
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
	platformName      = "Discord"
	defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	defaultAPIBase    = "https://discord.com/api/v10"
	defaultCDNBase    = "https://cdn.discordapp.com"

	reconnectDelay = 5 * time.Second
)

// Custom emoji tokens: <:name:id> and animated <a:name:id>.
var emojiPattern = regexp.MustCompile(`<(a?):([^:>]+):(\d+)>`)

// Discord bridges one Discord bot across the channels registered via
// AddHub. One gateway socket serves all hubs; egress goes through the
// channel REST API.
type Discord struct {
	token   string
	guildID string

	gatewayURL string
	apiBase    string
	cdnBase    string
	client     *http.Client

	hubs      map[string]*hub.Hub
	nicks     map[string]string
	nicksOnce sync.Once

	botUserID string
	sessionID string
	lastSeq   atomic.Int64

	suppressor *echo.Suppressor
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// New creates a Discord connector for one bot and guild.
func New(botToken, guildID string) *Discord {
	return &Discord{
		token:      botToken,
		guildID:    guildID,
		gatewayURL: defaultGatewayURL,
		apiBase:    defaultAPIBase,
		cdnBase:    defaultCDNBase,
		client:     &http.Client{Timeout: 30 * time.Second},
		hubs:       make(map[string]*hub.Hub),
		nicks:      make(map[string]string),
		suppressor: echo.New(5*time.Minute, 1000),
		logger:     slog.Default().With("platform", platformName),
	}
}

// Name returns the platform name used as the correspondence column key.
func (d *Discord) Name() string { return platformName }

// AddHub registers a channel → hub binding. The guild member nickname
// table is fetched on the first registration.
func (d *Discord) AddHub(channelID string, h *hub.Hub) {
	d.hubs[channelID] = h
	d.nicksOnce.Do(d.fetchMembers)
}

// fetchMembers loads the guild member list into the nickname table.
// Failure degrades name resolution to usernames, nothing more.
func (d *Discord) fetchMembers() {
	url := fmt.Sprintf("%s/guilds/%s/members?limit=1000", d.apiBase, d.guildID)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		d.logger.Warn("building member list request failed", "error", err)
		return
	}
	req.Header.Set("Authorization", "Bot "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("fetching guild members failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.Warn("fetching guild members failed", "status", resp.StatusCode)
		return
	}

	var members []guildMember
	if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
		d.logger.Warn("decoding guild members failed", "error", err)
		return
	}

	for _, m := range members {
		if m.Nick != "" {
			d.nicks[m.User.ID] = m.Nick
		} else {
			d.nicks[m.User.ID] = m.User.Username
		}
	}
	d.logger.Info("fetched guild member nicknames", "count", len(d.nicks))
}

// Start launches the gateway ingress loop. Bot identity arrives with the
// READY dispatch, so no bootstrap REST call is needed.
func (d *Discord) Start() error {
	d.wg.Add(1)
	go d.run()
	return nil
}

// Join blocks until the ingress loop exits.
func (d *Discord) Join() {
	d.wg.Wait()
}

// run keeps one gateway session alive, reopening it after unexpected
// closes. Sequence numbers survive the reconnect.
func (d *Discord) run() {
	defer d.wg.Done()
	for {
		if err := d.session(); err != nil {
			d.logger.Error("gateway session ended", "error", err)
		}
		time.Sleep(reconnectDelay)
		d.logger.Info("reconnecting to gateway")
	}
}

// session dials the gateway and processes frames until the socket closes.
func (d *Discord) session() error {
	conn, _, err := websocket.DefaultDialer.Dial(d.gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close()

	sc := connector.NewSafeConn(conn)
	d.logger.Info("gateway connection opened")

	// Stops the heartbeat goroutine when this session's socket dies.
	stop := make(chan struct{})
	defer close(stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading gateway frame: %w", err)
		}
		d.handleFrame(sc, data, stop)
	}
}

func (d *Discord) handleFrame(sc *connector.SafeConn, data []byte, stop <-chan struct{}) {
	var payload gatewayPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		d.logger.Debug("unparseable gateway frame", "error", err)
		return
	}

	if payload.S != nil {
		d.lastSeq.Store(*payload.S)
	}

	switch payload.Op {
	case opHello:
		var hello helloData
		if err := json.Unmarshal(payload.D, &hello); err != nil {
			d.logger.Debug("unparseable HELLO", "error", err)
			return
		}
		d.identify(sc)
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
		go d.heartbeat(sc, interval, stop)

	case opHeartbeat:
		d.sendHeartbeat(sc)

	case opDispatch:
		d.handleDispatch(payload.T, payload.D)

	case opHeartbeatACK:
		// Expected; nothing to do.

	default:
		d.logger.Debug("unhandled opcode", "op", payload.Op)
	}
}

func (d *Discord) identify(sc *connector.SafeConn) {
	cmd := identifyCommand{
		Op: opIdentify,
		D: identifyData{
			Token: d.token,
			Properties: identifyProperties{
				OS:      "linux",
				Browser: "bygeon",
				Device:  "bygeon",
			},
			LargeThreshold: 250,
			Compress:       false,
			Intents:        gatewayIntents,
		},
	}
	if err := sc.WriteJSON(cmd); err != nil {
		d.logger.Error("sending IDENTIFY failed", "error", err)
	}
}

// heartbeat posts op 1 every interval while the session socket is alive.
func (d *Discord) heartbeat(sc *connector.SafeConn, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !d.sendHeartbeat(sc) {
				return
			}
		case <-stop:
			return
		}
	}
}

func (d *Discord) sendHeartbeat(sc *connector.SafeConn) bool {
	cmd := heartbeatCommand{Op: opHeartbeat}
	if seq := d.lastSeq.Load(); seq > 0 {
		cmd.D = &seq
	}
	if err := sc.WriteJSON(cmd); err != nil {
		d.logger.Debug("heartbeat write failed", "error", err)
		return false
	}
	return true
}

func (d *Discord) handleDispatch(event string, data jsoniter.RawMessage) {
	switch event {
	case eventReady:
		var ready readyData
		if err := json.Unmarshal(data, &ready); err != nil {
			d.logger.Debug("unparseable READY", "error", err)
			return
		}
		d.botUserID = ready.User.ID
		d.sessionID = ready.SessionID
		d.logger.Info("gateway ready", "bot_user", d.botUserID, "session", d.sessionID)

	case eventMessageCreate:
		var ev messageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			d.logger.Debug("unparseable MESSAGE_CREATE", "error", err)
			return
		}
		h, ok := d.hubs[ev.ChannelID]
		if !ok || ev.Author.ID == d.botUserID {
			return
		}
		h.OnNewMessage(d.decodeMessage(&ev, h))

	case eventMessageUpdate:
		var ev messageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			d.logger.Debug("unparseable MESSAGE_UPDATE", "error", err)
			return
		}
		h, ok := d.hubs[ev.ChannelID]
		if !ok || ev.Author.ID == "" || ev.Author.ID == d.botUserID {
			// Embed unfurls arrive as authorless partial updates.
			return
		}
		h.OnEdit(d.decodeMessage(&ev, h))

	case eventMessageDelete:
		var ev messageDeleteEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			d.logger.Debug("unparseable MESSAGE_DELETE", "error", err)
			return
		}
		h, ok := d.hubs[ev.ChannelID]
		if !ok {
			return
		}
		if d.suppressor.Drop(ev.ID) {
			return
		}
		h.OnDelete(platformName, ev.ID)

	default:
		d.logger.Debug("unhandled dispatch", "event", event)
	}
}

// decodeMessage turns a gateway message event into the bridge's message
// value: native attachments, custom emojis, and stickers are downloaded
// into the hub's cache; emoji tokens are stripped from the text.
func (d *Discord) decodeMessage(ev *messageEvent, h *hub.Hub) message.Message {
	dir := cache.Dir(h.Name())
	text := ev.Content
	var attachments []message.Attachment

	for _, match := range emojiPattern.FindAllStringSubmatch(text, -1) {
		animated, name, id := match[1] == "a", match[2], match[3]
		ext, mime := ".png", "image/png"
		if animated {
			ext, mime = ".gif", "image/gif"
		}
		url := fmt.Sprintf("%s/emojis/%s%s", d.cdnBase, id, ext)
		path, err := cache.Download(d.client, url, dir, connector.CacheName(platformName, id), nil)
		if err != nil {
			d.logger.Warn("emoji download failed", "emoji", name, "error", err)
			continue
		}
		attachments = append(attachments, message.Attachment{Name: name + ext, MimeType: mime, Path: path})
	}
	if len(ev.Content) > 0 {
		text = strings.TrimSpace(emojiPattern.ReplaceAllString(text, ""))
	}

	for _, att := range ev.Attachments {
		path, err := cache.Download(d.client, att.URL, dir, connector.CacheName(platformName, att.ID), nil)
		if err != nil {
			d.logger.Warn("attachment download failed", "filename", att.Filename, "error", err)
			continue
		}
		attachments = append(attachments, message.Attachment{Name: att.Filename, MimeType: att.ContentType, Path: path})
	}

	for _, sticker := range ev.StickerItems {
		if sticker.FormatType == stickerFormatLottie {
			// Lottie stickers are vector animations; nothing portable to mirror.
			continue
		}
		url := fmt.Sprintf("%s/stickers/%s.png", d.cdnBase, sticker.ID)
		path, err := cache.Download(d.client, url, dir, connector.CacheName(platformName, sticker.ID), nil)
		if err != nil {
			d.logger.Warn("sticker download failed", "sticker", sticker.Name, "error", err)
			continue
		}
		attachments = append(attachments, message.Attachment{Name: sticker.Name + ".png", MimeType: "image/png", Path: path})
	}

	replyTo := ""
	if ev.ReferencedMessage != nil {
		replyTo = ev.ReferencedMessage.ID
	}

	return message.Message{
		Origin:      platformName,
		ChannelID:   ev.ChannelID,
		ID:          ev.ID,
		ReplyTo:     replyTo,
		Author:      d.displayName(ev),
		Text:        text,
		Attachments: attachments,
	}
}

// displayName prefers the per-message member nick, then the guild
// nickname table, then the username.
func (d *Discord) displayName(ev *messageEvent) string {
	if ev.Member != nil && ev.Member.Nick != "" {
		return ev.Member.Nick
	}
	if nick, ok := d.nicks[ev.Author.ID]; ok {
		return nick
	}
	return ev.Author.Username
}

// Send posts a mirrored message. With attachments present the request is
// a multipart upload carrying a payload_json part; otherwise plain JSON.
func (d *Discord) Send(m message.Message, channelID, replyTo string) (string, error) {
	payload := map[string]any{
		"content": fmt.Sprintf("[%s]: %s", m.Author, m.Text),
	}
	if replyTo != "" {
		payload["message_reference"] = map[string]string{
			"channel_id": channelID,
			"message_id": replyTo,
		}
	}

	url := fmt.Sprintf("%s/channels/%s/messages", d.apiBase, channelID)

	var req *http.Request
	var err error
	if len(m.Attachments) == 0 {
		body, merr := json.Marshal(payload)
		if merr != nil {
			return "", fmt.Errorf("encoding send payload: %w", merr)
		}
		req, err = http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("building send request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = d.multipartRequest(url, payload, m.Attachments)
		if err != nil {
			return "", err
		}
	}
	req.Header.Set("Authorization", "Bot "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("posting message: status %d: %s", resp.StatusCode, body)
	}

	var sent struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		return "", fmt.Errorf("decoding send response: %w", err)
	}
	return sent.ID, nil
}

// multipartRequest builds a files[i] upload with the JSON payload carried
// in a payload_json part.
func (d *Discord) multipartRequest(url string, payload map[string]any, attachments []message.Attachment) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for i, att := range attachments {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[%d]"; filename=%q`, i, filepath.Base(att.Path)))
		if att.MimeType != "" {
			header.Set("Content-Type", att.MimeType)
		}
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("creating file part: %w", err)
		}
		f, err := os.Open(att.Path)
		if err != nil {
			return nil, fmt.Errorf("opening attachment: %w", err)
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("writing attachment: %w", err)
		}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload_json: %w", err)
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="payload_json"`)
	header.Set("Content-Type", "application/json")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("creating payload_json part: %w", err)
	}
	if _, err := part.Write(payloadJSON); err != nil {
		return nil, fmt.Errorf("writing payload_json: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing multipart body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("building multipart request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

// Edit patches the remote message's content. Discord ids are stable, so
// the same id is returned.
func (d *Discord) Edit(m message.Message, channelID, remoteID string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"content": fmt.Sprintf("[%s]: %s", m.Author, m.Text),
	})
	if err != nil {
		return "", fmt.Errorf("encoding edit payload: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/messages/%s", d.apiBase, channelID, remoteID)
	req, err := http.NewRequest(http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building edit request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+d.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("patching message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("patching message: status %d: %s", resp.StatusCode, respBody)
	}
	return remoteID, nil
}

// Delete removes a remote message and marks the id so the resulting
// MESSAGE_DELETE dispatch is recognized as our own echo.
func (d *Discord) Delete(remoteID, channelID string) error {
	url := fmt.Sprintf("%s/channels/%s/messages/%s", d.apiBase, channelID, remoteID)
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("building delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+d.token)

	d.suppressor.Mark(remoteID)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("deleting message: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

var _ connector.Connector = (*Discord)(nil)
