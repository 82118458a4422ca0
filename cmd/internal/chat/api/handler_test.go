package chatapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatsync/cmd/internal/chat"
)

const testLocalParty = "0000000000"

func newTestServer(t *testing.T) (*http.ServeMux, *chat.MemoryStore) {
	t.Helper()
	store := chat.NewMemoryStore()
	engine := chat.NewEngine(nil, store, nil)
	queries := chat.NewQueryService(nil, store)
	h := NewHandler(nil, engine, queries, testLocalParty, 0)

	mux := http.NewServeMux()
	h.Register(mux)
	return mux, store
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	var resp response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return rr, resp
}

func messageWebhookBody(externalID, ts string) string {
	return `{
	  "payload_type": "whatsapp_webhook",
	  "metaData": {"entry": [{"changes": [{
	    "field": "messages",
	    "value": {
	      "metadata": {"phone_number_id": "` + testLocalParty + `"},
	      "contacts": [{"wa_id": "19998887777", "profile": {"name": "Ada"}}],
	      "messages": [{"id": "` + externalID + `", "from": "19998887777", "timestamp": "` + ts + `", "type": "text", "text": {"body": "hi"}}]
	    }
	  }]}]}
	}`
}

func statusWebhookBody(externalID, status string) string {
	return `{
	  "payload_type": "whatsapp_webhook",
	  "metaData": {"entry": [{"changes": [{
	    "field": "messages",
	    "value": {"statuses": [{"meta_msg_id": "` + externalID + `", "status": "` + status + `", "recipient_id": "19998887777"}]}
	  }]}]}
	}`
}

func TestWebhookMessage(t *testing.T) {
	t.Parallel()

	mux, store := newTestServer(t)

	rr, resp := doJSON(t, mux, http.MethodPost, "/api/webhook/message", messageWebhookBody("wamid.h1", "100"))
	if rr.Code != http.StatusOK || !resp.Success {
		t.Fatalf("status = %d, resp = %+v", rr.Code, resp)
	}

	msg, err := store.GetMessageByExternalID(context.Background(), "wamid.h1")
	if err != nil {
		t.Fatalf("stored message: %v", err)
	}
	if msg.ConversationKey != "19998887777_"+testLocalParty {
		t.Fatalf("conversation key = %q", msg.ConversationKey)
	}

	// Redelivery answers 200 so the provider stops retrying.
	rr, resp = doJSON(t, mux, http.MethodPost, "/api/webhook/message", messageWebhookBody("wamid.h1", "100"))
	if rr.Code != http.StatusOK || !resp.Success {
		t.Fatalf("duplicate status = %d, resp = %+v", rr.Code, resp)
	}
}

func TestWebhookMessage_Malformed(t *testing.T) {
	t.Parallel()

	mux, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"wrong discriminator", `{"payload_type":"other"}`},
		{"empty object", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rr, resp := doJSON(t, mux, http.MethodPost, "/api/webhook/message", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if resp.Success || resp.Error == "" {
				t.Fatalf("resp = %+v", resp)
			}
		})
	}
}

func TestWebhookStatus(t *testing.T) {
	t.Parallel()

	mux, store := newTestServer(t)

	if _, resp := doJSON(t, mux, http.MethodPost, "/api/webhook/message", messageWebhookBody("wamid.h2", "100")); !resp.Success {
		t.Fatalf("seed message failed: %+v", resp)
	}

	rr, resp := doJSON(t, mux, http.MethodPost, "/api/webhook/status", statusWebhookBody("wamid.h2", "delivered"))
	if rr.Code != http.StatusOK || !resp.Success {
		t.Fatalf("status = %d, resp = %+v", rr.Code, resp)
	}

	msg, err := store.GetMessageByExternalID(context.Background(), "wamid.h2")
	if err != nil {
		t.Fatalf("stored message: %v", err)
	}
	if msg.Status != chat.StatusDelivered {
		t.Fatalf("message status = %q", msg.Status)
	}
}

func TestWebhookStatus_UnknownMessage(t *testing.T) {
	t.Parallel()

	mux, _ := newTestServer(t)

	rr, resp := doJSON(t, mux, http.MethodPost, "/api/webhook/status", statusWebhookBody("wamid.ghost", "read"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if resp.Success || resp.Error != "message not found" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	mux, _ := newTestServer(t)

	rr, resp := doJSON(t, mux, http.MethodPost, "/api/messages/send", `{"conversation_external_id":"19998887777","body":"on my way","display_name":"Me"}`)
	if rr.Code != http.StatusCreated || !resp.Success {
		t.Fatalf("status = %d, resp = %+v", rr.Code, resp)
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("re-marshal data: %v", err)
	}
	var msg chat.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.ExternalID == "" || msg.Direction != chat.DirectionOutbound {
		t.Fatalf("message = %+v", msg)
	}
	if msg.ConversationKey != "19998887777_"+testLocalParty {
		t.Fatalf("conversation key = %q", msg.ConversationKey)
	}
}

func TestSendMessage_Invalid(t *testing.T) {
	t.Parallel()

	mux, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing body", `{"conversation_external_id":"19998887777"}`},
		{"missing conversation", `{"body":"hi"}`},
		{"not json", "nope"},
		{"trailing data", `{"conversation_external_id":"1","body":"hi"}{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rr, resp := doJSON(t, mux, http.MethodPost, "/api/messages/send", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if resp.Success {
				t.Fatalf("resp = %+v", resp)
			}
		})
	}
}

func TestConversationEndpoints(t *testing.T) {
	t.Parallel()

	mux, _ := newTestServer(t)
	key := "19998887777_" + testLocalParty

	for i, id := range []string{"wamid.c1", "wamid.c2", "wamid.c3"} {
		body := messageWebhookBody(id, fmt.Sprintf("10%d", i))
		if _, resp := doJSON(t, mux, http.MethodPost, "/api/webhook/message", body); !resp.Success {
			t.Fatalf("seed %s failed: %+v", id, resp)
		}
	}

	// List shows one conversation with three unread.
	rr, resp := doJSON(t, mux, http.MethodGet, "/api/conversations", "")
	if rr.Code != http.StatusOK || !resp.Success {
		t.Fatalf("list status = %d, resp = %+v", rr.Code, resp)
	}
	var summaries []chat.ConversationSummary
	raw, _ := json.Marshal(resp.Data)
	if err := json.Unmarshal(raw, &summaries); err != nil {
		t.Fatalf("decode summaries: %v", err)
	}
	if len(summaries) != 1 || summaries[0].UnreadCount != 3 {
		t.Fatalf("summaries = %+v", summaries)
	}

	// Single conversation fetch.
	rr, resp = doJSON(t, mux, http.MethodGet, "/api/conversations/"+key, "")
	if rr.Code != http.StatusOK || !resp.Success {
		t.Fatalf("get status = %d, resp = %+v", rr.Code, resp)
	}

	// Unknown key is a 404.
	rr, _ = doJSON(t, mux, http.MethodGet, "/api/conversations/ghost_"+testLocalParty, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation status = %d", rr.Code)
	}

	// Mark read zeroes the unread count.
	rr, resp = doJSON(t, mux, http.MethodPut, "/api/conversations/"+key+"/read", "")
	if rr.Code != http.StatusOK || !resp.Success {
		t.Fatalf("read status = %d, resp = %+v", rr.Code, resp)
	}
	_, resp = doJSON(t, mux, http.MethodGet, "/api/conversations?filter=unread", "")
	raw, _ = json.Marshal(resp.Data)
	summaries = nil
	if err := json.Unmarshal(raw, &summaries); err != nil {
		t.Fatalf("decode unread summaries: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("unread after read = %+v", summaries)
	}
}

func TestGetMessages_Pagination(t *testing.T) {
	t.Parallel()

	mux, _ := newTestServer(t)
	key := "19998887777_" + testLocalParty

	for i, id := range []string{"wamid.p0", "wamid.p1", "wamid.p2", "wamid.p3", "wamid.p4"} {
		body := messageWebhookBody(id, fmt.Sprintf("10%d", i))
		if _, resp := doJSON(t, mux, http.MethodPost, "/api/webhook/message", body); !resp.Success {
			t.Fatalf("seed %s failed: %+v", id, resp)
		}
	}

	rr, resp := doJSON(t, mux, http.MethodGet, "/api/conversations/"+key+"/messages?page=1&limit=2", "")
	if rr.Code != http.StatusOK || !resp.Success {
		t.Fatalf("status = %d, resp = %+v", rr.Code, resp)
	}
	if resp.Pagination == nil {
		t.Fatalf("missing pagination")
	}
	if resp.Pagination.Count != 5 || resp.Pagination.Total != 3 || !resp.Pagination.HasMore {
		t.Fatalf("pagination = %+v", resp.Pagination)
	}

	var msgs []chat.Message
	raw, _ := json.Marshal(resp.Data)
	if err := json.Unmarshal(raw, &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("page length = %d", len(msgs))
	}
	// Newest window, chronological order inside it.
	if msgs[0].ExternalID != "wamid.p3" || msgs[1].ExternalID != "wamid.p4" {
		t.Fatalf("page order = %q, %q", msgs[0].ExternalID, msgs[1].ExternalID)
	}

	// Defaults apply when query params are absent or junk.
	rr, resp = doJSON(t, mux, http.MethodGet, "/api/conversations/"+key+"/messages?page=junk", "")
	if rr.Code != http.StatusOK || resp.Pagination == nil || resp.Pagination.Current != 1 {
		t.Fatalf("default page resp = %+v", resp.Pagination)
	}
}

func TestMarkRead_UnknownConversation(t *testing.T) {
	t.Parallel()

	mux, _ := newTestServer(t)
	rr, resp := doJSON(t, mux, http.MethodPut, "/api/conversations/ghost_"+testLocalParty+"/read", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if resp.Success || resp.Error != "conversation not found" {
		t.Fatalf("resp = %+v", resp)
	}
}
