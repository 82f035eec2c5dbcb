// ABOUTME: Discord connector tests over a fake REST API and CDN
// ABOUTME: Covers dispatch routing, emoji handling, and egress requests

package discord

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bygeon/bygeon/internal/hub"
	"github.com/bygeon/bygeon/internal/message"
)

// fakeAPI plays both the REST API and the CDN behind one server.
type fakeAPI struct {
	mu     sync.Mutex
	nextID int
	calls  []apiCall
}

type apiCall struct {
	method string
	path   string
	body   []byte
	header http.Header
}

func (a *fakeAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		a.mu.Lock()
		a.calls = append(a.calls, apiCall{method: r.Method, path: r.URL.Path, body: body, header: r.Header.Clone()})
		a.mu.Unlock()

		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/members"):
			fmt.Fprint(w, `[
				{"nick":"Nick Name","user":{"id":"u1","username":"user-one"}},
				{"nick":"","user":{"id":"u2","username":"user-two"}}]`)
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/messages"):
			a.mu.Lock()
			a.nextID++
			id := a.nextID
			a.mu.Unlock()
			fmt.Fprintf(w, `{"id":"d-%d"}`, id)
		case r.Method == http.MethodPatch:
			fmt.Fprint(w, `{}`)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case strings.HasPrefix(r.URL.Path, "/emojis/"):
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("png-bytes"))
		case strings.HasPrefix(r.URL.Path, "/stickers/"):
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("sticker-bytes"))
		default:
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte("attachment-bytes"))
		}
	})
}

func (a *fakeAPI) lastCall(t *testing.T, method string) apiCall {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.calls) - 1; i >= 0; i-- {
		if a.calls[i].method == method {
			return a.calls[i]
		}
	}
	t.Fatalf("no %s call recorded", method)
	return apiCall{}
}

type fakeSibling struct {
	mu      sync.Mutex
	sends   []message.Message
	edits   []message.Message
	deletes []string
}

func (f *fakeSibling) Name() string { return "Other" }

func (f *fakeSibling) Send(m message.Message, channelID, replyTo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, m)
	return fmt.Sprintf("other-%d", len(f.sends)), nil
}

func (f *fakeSibling) Edit(m message.Message, channelID, remoteID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, m)
	return remoteID, nil
}

func (f *fakeSibling) Delete(remoteID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, remoteID)
	return nil
}

func newTestBridge(t *testing.T, api *fakeAPI) (*Discord, *fakeSibling, *hub.Hub) {
	t.Helper()

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	d := New("test-token", "guild-1")
	d.apiBase = srv.URL
	d.cdnBase = srv.URL
	d.botUserID = "bot-id"

	sib := &fakeSibling{}
	h := hub.New("dhub")
	require.NoError(t, h.Link(d, "chan-1"))
	require.NoError(t, h.Link(sib, "other-chan"))
	require.NoError(t, h.Init(false))
	t.Cleanup(func() { h.Close() })

	d.AddHub("chan-1", h)
	return d, sib, h
}

func dispatch(t *testing.T, d *Discord, event string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	d.handleDispatch(event, data)
}

func TestMessageCreate_BridgedToSibling(t *testing.T) {
	d, sib, h := newTestBridge(t, &fakeAPI{})

	ev := messageEvent{ID: "m1", ChannelID: "chan-1", Content: "hello", Author: user{ID: "u2", Username: "user-two"}}
	dispatch(t, d, eventMessageCreate, ev)
	h.Wait()

	require.Len(t, sib.sends, 1)
	assert.Equal(t, "hello", sib.sends[0].Text)
	assert.Equal(t, "user-two", sib.sends[0].Author)
	assert.Equal(t, platformName, sib.sends[0].Origin)
}

func TestMessageCreate_OwnMessagesDropped(t *testing.T) {
	d, sib, h := newTestBridge(t, &fakeAPI{})

	ev := messageEvent{ID: "m2", ChannelID: "chan-1", Content: "echo", Author: user{ID: "bot-id"}}
	dispatch(t, d, eventMessageCreate, ev)
	h.Wait()

	assert.Empty(t, sib.sends)
}

func TestMessageCreate_UnknownChannelIgnored(t *testing.T) {
	d, sib, h := newTestBridge(t, &fakeAPI{})

	ev := messageEvent{ID: "m3", ChannelID: "elsewhere", Content: "x", Author: user{ID: "u2"}}
	dispatch(t, d, eventMessageCreate, ev)
	h.Wait()

	assert.Empty(t, sib.sends)
}

func TestMessageCreate_CustomEmojiDownloadedAndStripped(t *testing.T) {
	d, sib, h := newTestBridge(t, &fakeAPI{})

	ev := messageEvent{ID: "m4", ChannelID: "chan-1", Content: "nice <:blob:123> work", Author: user{ID: "u2", Username: "user-two"}}
	dispatch(t, d, eventMessageCreate, ev)
	h.Wait()

	require.Len(t, sib.sends, 1)
	assert.Equal(t, "nice  work", sib.sends[0].Text)
	require.Len(t, sib.sends[0].Attachments, 1)
	att := sib.sends[0].Attachments[0]
	assert.Equal(t, "blob.png", att.Name)
	assert.Equal(t, "image/png", att.MimeType)
	data, err := os.ReadFile(att.Path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestMessageCreate_ReplyReference(t *testing.T) {
	d, sib, h := newTestBridge(t, &fakeAPI{})

	ev := messageEvent{ID: "m5", ChannelID: "chan-1", Content: "re", Author: user{ID: "u2", Username: "user-two"}}
	ev.ReferencedMessage = &struct {
		ID string `json:"id"`
	}{ID: "m1"}
	dispatch(t, d, eventMessageCreate, ev)
	h.Wait()

	require.Len(t, sib.sends, 1)
	assert.Equal(t, "m1", sib.sends[0].ReplyTo)
}

func TestMessageUpdate_PartialWithoutAuthorSkipped(t *testing.T) {
	d, sib, h := newTestBridge(t, &fakeAPI{})

	// Embed unfurls arrive as authorless partial updates.
	ev := messageEvent{ID: "m6", ChannelID: "chan-1", Content: "partial"}
	dispatch(t, d, eventMessageUpdate, ev)
	h.Wait()

	assert.Empty(t, sib.edits)
}

func TestMessageUpdate_BridgedAsEdit(t *testing.T) {
	d, sib, h := newTestBridge(t, &fakeAPI{})

	create := messageEvent{ID: "m7", ChannelID: "chan-1", Content: "v1", Author: user{ID: "u2", Username: "user-two"}}
	dispatch(t, d, eventMessageCreate, create)
	h.Wait()

	update := messageEvent{ID: "m7", ChannelID: "chan-1", Content: "v2", Author: user{ID: "u2", Username: "user-two"}}
	dispatch(t, d, eventMessageUpdate, update)
	h.Wait()

	require.Len(t, sib.edits, 1)
	assert.Equal(t, "v2", sib.edits[0].Text)
}

func TestMessageDelete_BridgedAndEchoSuppressed(t *testing.T) {
	d, sib, h := newTestBridge(t, &fakeAPI{})

	create := messageEvent{ID: "m8", ChannelID: "chan-1", Content: "doomed", Author: user{ID: "u2", Username: "user-two"}}
	dispatch(t, d, eventMessageCreate, create)
	h.Wait()

	dispatch(t, d, eventMessageDelete, messageDeleteEvent{ID: "m8", ChannelID: "chan-1"})
	h.Wait()
	require.Len(t, sib.deletes, 1)
	assert.Equal(t, "other-1", sib.deletes[0])

	// A delete we issued ourselves must not loop back.
	require.NoError(t, d.Delete("m9", "chan-1"))
	dispatch(t, d, eventMessageDelete, messageDeleteEvent{ID: "m9", ChannelID: "chan-1"})
	h.Wait()
	assert.Len(t, sib.deletes, 1)
}

func TestDisplayName_Precedence(t *testing.T) {
	d, _, _ := newTestBridge(t, &fakeAPI{})

	withMemberNick := &messageEvent{Author: user{ID: "u1", Username: "user-one"}, Member: &guildMember{Nick: "Event Nick"}}
	assert.Equal(t, "Event Nick", d.displayName(withMemberNick))

	fromTable := &messageEvent{Author: user{ID: "u1", Username: "user-one"}}
	assert.Equal(t, "Nick Name", d.displayName(fromTable))

	unknown := &messageEvent{Author: user{ID: "u9", Username: "fallback"}}
	assert.Equal(t, "fallback", d.displayName(unknown))
}

func TestSend_PlainJSON(t *testing.T) {
	api := &fakeAPI{}
	d, _, _ := newTestBridge(t, api)

	id, err := d.Send(message.Message{Author: "alice", Text: "hi"}, "chan-1", "")
	require.NoError(t, err)
	assert.Equal(t, "d-1", id)

	call := api.lastCall(t, http.MethodPost)
	assert.Equal(t, "Bot test-token", call.header.Get("Authorization"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(call.body, &payload))
	assert.Equal(t, "[alice]: hi", payload["content"])
	assert.NotContains(t, payload, "message_reference")
}

func TestSend_WithReplyReference(t *testing.T) {
	api := &fakeAPI{}
	d, _, _ := newTestBridge(t, api)

	_, err := d.Send(message.Message{Author: "alice", Text: "re"}, "chan-1", "m1")
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(api.lastCall(t, http.MethodPost).body, &payload))
	ref, ok := payload["message_reference"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "m1", ref["message_id"])
	assert.Equal(t, "chan-1", ref["channel_id"])
}

func TestSend_MultipartWithAttachment(t *testing.T) {
	api := &fakeAPI{}
	d, _, _ := newTestBridge(t, api)

	path := filepath.Join(t.TempDir(), "pic.png")
	require.NoError(t, os.WriteFile(path, []byte("fake-png"), 0o644))

	m := message.Message{
		Author:      "bob",
		Text:        "look",
		Attachments: []message.Attachment{{Name: "pic.png", MimeType: "image/png", Path: path}},
	}
	_, err := d.Send(m, "chan-1", "")
	require.NoError(t, err)

	call := api.lastCall(t, http.MethodPost)
	mediaType, params, err := mime.ParseMediaType(call.header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/form-data", mediaType)

	parts := map[string]string{}
	mr := multipart.NewReader(strings.NewReader(string(call.body)), params["boundary"])
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, _ := io.ReadAll(p)
		parts[p.FormName()] = string(data)
	}

	assert.Equal(t, "fake-png", parts["files[0]"])
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(parts["payload_json"]), &payload))
	assert.Equal(t, "[bob]: look", payload["content"])
}

func TestEdit_PatchesContent(t *testing.T) {
	api := &fakeAPI{}
	d, _, _ := newTestBridge(t, api)

	id, err := d.Edit(message.Message{Author: "alice", Text: "fixed"}, "chan-1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", id, "Discord ids are stable across edits")

	call := api.lastCall(t, http.MethodPatch)
	assert.True(t, strings.HasSuffix(call.path, "/channels/chan-1/messages/m1"))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(call.body, &payload))
	assert.Equal(t, "[alice]: fixed", payload["content"])
}

func TestDelete_IssuesRequest(t *testing.T) {
	api := &fakeAPI{}
	d, _, _ := newTestBridge(t, api)

	require.NoError(t, d.Delete("m1", "chan-1"))

	call := api.lastCall(t, http.MethodDelete)
	assert.True(t, strings.HasSuffix(call.path, "/channels/chan-1/messages/m1"))
	assert.Equal(t, "Bot test-token", call.header.Get("Authorization"))
}

func TestEmojiPattern(t *testing.T) {
	matches := emojiPattern.FindAllStringSubmatch("a <:x:1> b <a:y:2> c", -1)
	require.Len(t, matches, 2)
	assert.Equal(t, []string{"<:x:1>", "", "x", "1"}, matches[0])
	assert.Equal(t, []string{"<a:y:2>", "a", "y", "2"}, matches[1])
}
