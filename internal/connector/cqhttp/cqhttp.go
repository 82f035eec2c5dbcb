// ABOUTME: OneBot/CQHttp connector: WebSocket event stream plus HTTP actions
// ABOUTME: Edits are delete-and-resend; the replacement id is reported back

package cqhttp

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
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
	platformName = "CQHttp"

	reconnectDelay = 5 * time.Second
)

// HTTP action endpoints.
const (
	actionSendGroupMsg       = "send_group_msg"
	actionDeleteMsg          = "delete_msg"
	actionGetGroupMemberList = "get_group_member_list"
)

// segment is one element of a structured OneBot message array.
type segment struct {
	Type string `json:"type"`
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
		File string `json:"file"`
		URL  string `json:"url"`
	} `json:"data"`
}

// event is a frame from the OneBot event stream. Numeric ids are modeled
// as int64 and normalized to strings at the bridge boundary.
type event struct {
	PostType   string `json:"post_type"`
	NoticeType string `json:"notice_type"`
	GroupID    int64  `json:"group_id"`
	UserID     int64  `json:"user_id"`
	SelfID     int64  `json:"self_id"`
	MessageID  int64  `json:"message_id"`
	Sender     struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`
	Message []segment `json:"message"`
}

// CQHttp bridges QQ groups through an OneBot-compatible gateway.
type CQHttp struct {
	wsURL   string
	httpURL string
	client  *http.Client

	hubs  map[string]*hub.Hub
	cards map[string]map[string]string

	suppressor *echo.Suppressor
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// New creates a CQHttp connector against the given gateway endpoints.
func New(wsURL, httpURL string) *CQHttp {
	return &CQHttp{
		wsURL:      wsURL,
		httpURL:    httpURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		hubs:       make(map[string]*hub.Hub),
		cards:      make(map[string]map[string]string),
		suppressor: echo.New(5*time.Minute, 1000),
		logger:     slog.Default().With("platform", platformName),
	}
}

// Name returns the platform name used as the correspondence column key.
func (c *CQHttp) Name() string { return platformName }

// AddHub registers a group → hub binding and prefetches the group's
// member cards for nickname resolution.
func (c *CQHttp) AddHub(groupID string, h *hub.Hub) {
	c.hubs[groupID] = h
	c.fetchMemberCards(groupID)
}

// fetchMemberCards loads the group member list; a member's card (group
// nickname) is preferred over the account nickname.
func (c *CQHttp) fetchMemberCards(groupID string) {
	gid, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		c.logger.Warn("invalid group id", "group_id", groupID, "error", err)
		return
	}

	var resp struct {
		Data []struct {
			UserID   int64  `json:"user_id"`
			Nickname string `json:"nickname"`
			Card     string `json:"card"`
		} `json:"data"`
	}
	if err := c.action(actionGetGroupMemberList, map[string]any{"group_id": gid}, &resp); err != nil {
		c.logger.Warn("fetching group member list failed", "group_id", groupID, "error", err)
		return
	}

	table := make(map[string]string, len(resp.Data))
	for _, m := range resp.Data {
		if m.Card != "" {
			table[strconv.FormatInt(m.UserID, 10)] = m.Card
		} else {
			table[strconv.FormatInt(m.UserID, 10)] = m.Nickname
		}
	}
	c.cards[groupID] = table
	c.logger.Info("fetched group member cards", "group_id", groupID, "count", len(table))
}

// Start launches the event stream ingress loop. The gateway reports our
// own account id (self_id) with every event, so no bootstrap call is
// needed.
func (c *CQHttp) Start() error {
	c.wg.Add(1)
	go c.run()
	return nil
}

// Join blocks until the ingress loop exits.
func (c *CQHttp) Join() {
	c.wg.Wait()
}

func (c *CQHttp) run() {
	defer c.wg.Done()
	for {
		if err := c.session(); err != nil {
			c.logger.Error("event stream session ended", "error", err)
		}
		time.Sleep(reconnectDelay)
		c.logger.Info("reconnecting to event stream")
	}
}

func (c *CQHttp) session() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing event stream: %w", err)
	}
	defer conn.Close()

	c.logger.Info("event stream connection opened")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading event frame: %w", err)
		}

		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Debug("unparseable event frame", "error", err)
			continue
		}
		c.handleEvent(&ev)
	}
}

func (c *CQHttp) handleEvent(ev *event) {
	switch ev.PostType {
	case "message":
		c.handleMessage(ev)
	case "notice":
		if ev.NoticeType != "group_recall" {
			return
		}
		groupID := strconv.FormatInt(ev.GroupID, 10)
		h, ok := c.hubs[groupID]
		if !ok {
			return
		}
		recalledID := strconv.FormatInt(ev.MessageID, 10)
		if c.suppressor.Drop(recalledID) {
			return
		}
		h.OnDelete(platformName, recalledID)
	case "meta_event":
		// Heartbeats and lifecycle notices; nothing to bridge.
	default:
		c.logger.Debug("unhandled post type", "post_type", ev.PostType)
	}
}

func (c *CQHttp) handleMessage(ev *event) {
	groupID := strconv.FormatInt(ev.GroupID, 10)
	h, ok := c.hubs[groupID]
	if !ok {
		return
	}
	if ev.SelfID == ev.UserID {
		return
	}

	dir := cache.Dir(h.Name())
	var (
		text        strings.Builder
		replyTo     string
		attachments []message.Attachment
	)
	for _, seg := range ev.Message {
		switch seg.Type {
		case "reply":
			replyTo = seg.Data.ID
		case "text":
			text.WriteString(seg.Data.Text)
		case "image":
			if seg.Data.URL == "" {
				continue
			}
			name := connector.CacheName(platformName, seg.Data.File)
			path, err := cache.Download(c.client, seg.Data.URL, dir, name, nil)
			if err != nil {
				c.logger.Warn("image download failed", "file", seg.Data.File, "error", err)
				continue
			}
			attachments = append(attachments, message.Attachment{Name: seg.Data.File, MimeType: "image/jpeg", Path: path})
		default:
			c.logger.Debug("unhandled message segment", "type", seg.Type)
		}
	}

	h.OnNewMessage(message.Message{
		Origin:      platformName,
		ChannelID:   groupID,
		ID:          strconv.FormatInt(ev.MessageID, 10),
		ReplyTo:     replyTo,
		Author:      c.displayName(groupID, ev),
		Text:        text.String(),
		Attachments: attachments,
	})
}

// displayName prefers the group card table, then the event's own card,
// then the account nickname.
func (c *CQHttp) displayName(groupID string, ev *event) string {
	if table, ok := c.cards[groupID]; ok {
		if name, ok := table[strconv.FormatInt(ev.UserID, 10)]; ok {
			return name
		}
	}
	if ev.Sender.Card != "" {
		return ev.Sender.Card
	}
	return ev.Sender.Nickname
}

// Send composes a CQ-code string and posts it via send_group_msg.
// Attachment segments precede the reply segment, then the authored text.
func (c *CQHttp) Send(m message.Message, channelID, replyTo string) (string, error) {
	gid, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid group id %q: %w", channelID, err)
	}

	var msg strings.Builder
	for _, att := range m.Attachments {
		msg.WriteString(fmt.Sprintf("[CQ:%s,file=file:%s]", cqType(att.MimeType), att.Path))
	}
	if replyTo != "" {
		msg.WriteString(fmt.Sprintf("[CQ:reply,id=%s]", replyTo))
	}
	msg.WriteString(fmt.Sprintf("[%s]: %s", m.Author, m.Text))

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			MessageID int64 `json:"message_id"`
		} `json:"data"`
	}
	payload := map[string]any{"group_id": gid, "message": msg.String()}
	if err := c.action(actionSendGroupMsg, payload, &resp); err != nil {
		return "", err
	}
	if resp.Status == "failed" || resp.Data.MessageID == 0 {
		return "", fmt.Errorf("send_group_msg failed: status %q", resp.Status)
	}
	return strconv.FormatInt(resp.Data.MessageID, 10), nil
}

// Edit is delete-and-resend: the gateway has no native message edit. The
// replacement id is returned so the hub rewrites the correspondence row
// and later deletes reach the live message.
func (c *CQHttp) Edit(m message.Message, channelID, remoteID string) (string, error) {
	if err := c.Delete(remoteID, channelID); err != nil {
		c.logger.Warn("deleting edited message failed", "remote_id", remoteID, "error", err)
	}
	return c.Send(m, channelID, "")
}

// Delete recalls a group message and marks the id so the resulting
// group_recall notice is recognized as our own echo.
func (c *CQHttp) Delete(remoteID, channelID string) error {
	mid, err := strconv.ParseInt(remoteID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", remoteID, err)
	}

	c.suppressor.Mark(remoteID)

	var resp struct {
		Status string `json:"status"`
	}
	if err := c.action(actionDeleteMsg, map[string]any{"message_id": mid}, &resp); err != nil {
		return err
	}
	if resp.Status == "failed" {
		return fmt.Errorf("delete_msg failed")
	}
	return nil
}

// action posts a JSON payload to one of the gateway's HTTP endpoints.
func (c *CQHttp) action(name string, payload any, out any) error {
	endpoint, err := url.JoinPath(c.httpURL, name)
	if err != nil {
		return fmt.Errorf("building %s url: %w", name, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", name, err)
	}

	resp, err := c.client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("calling %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calling %s: status %d", name, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", name, err)
	}
	return nil
}

// cqType maps a MIME type to the CQ-code segment type; images are the
// only attachment kind the gateway renders inline, the rest go as files.
func cqType(mime string) string {
	if strings.HasPrefix(mime, "image/") {
		return "image"
	}
	if strings.HasPrefix(mime, "video/") {
		return "video"
	}
	if strings.HasPrefix(mime, "audio/") {
		return "record"
	}
	return "image"
}

var _ connector.Connector = (*CQHttp)(nil)
