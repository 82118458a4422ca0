package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Provider webhook constants. The discriminator and field tag are fixed by the
// messaging provider's webhook format.
const (
	providerPayloadType = "whatsapp_webhook"
	providerFieldTag    = "messages"
)

// providerWebhook mirrors the provider's nested webhook body. Decoding is
// explicit and fails closed: any missing layer of the entry -> changes ->
// value path surfaces as ErrMalformedPayload, never a panic on a nil field.
type providerWebhook struct {
	PayloadType string            `json:"payload_type"`
	MetaData    *providerMetaData `json:"metaData"`
}

type providerMetaData struct {
	Entry []providerEntry `json:"entry"`
}

type providerEntry struct {
	Changes []providerChange `json:"changes"`
}

type providerChange struct {
	Field string         `json:"field"`
	Value *providerValue `json:"value"`
}

type providerValue struct {
	Metadata providerValueMetadata `json:"metadata"`
	Contacts []providerContact     `json:"contacts"`
	Messages []providerMessage     `json:"messages"`
	Statuses []providerStatus      `json:"statuses"`
}

type providerValueMetadata struct {
	PhoneNumberID string `json:"phone_number_id"`
}

type providerContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type providerMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
}

type providerStatus struct {
	// Some provider payloads carry meta_msg_id, others only id. Both refer to
	// the message's external id.
	MetaMsgID   string `json:"meta_msg_id"`
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}

// LocalSendRequest is the shape of a local outbound send, from the HTTP API or
// the live channel.
type LocalSendRequest struct {
	ConversationExternalID string `json:"conversation_external_id"`
	Body                   string `json:"body"`
	DisplayName            string `json:"display_name"`
}

// NormalizeProviderMessage converts a provider message webhook body into a
// canonical MessageEvent. Pure transform: no storage or network side effects.
func NormalizeProviderMessage(body []byte) (MessageEvent, error) {
	value, err := decodeProviderValue(body)
	if err != nil {
		return MessageEvent{}, err
	}

	if len(value.Contacts) == 0 {
		return MessageEvent{}, fmt.Errorf("%w: missing contacts", ErrMalformedPayload)
	}
	if len(value.Messages) == 0 {
		return MessageEvent{}, fmt.Errorf("%w: missing messages", ErrMalformedPayload)
	}

	contact := value.Contacts[0]
	msg := value.Messages[0]
	localParty := value.Metadata.PhoneNumberID

	if msg.ID == "" || contact.WaID == "" || localParty == "" || msg.Timestamp == "" {
		return MessageEvent{}, fmt.Errorf("%w: missing message fields", ErrMalformedPayload)
	}

	kind := MessageKind(msg.Type)
	if kind == "" {
		kind = KindText
	}

	return MessageEvent{
		ExternalID:        msg.ID,
		ConversationKey:   ConversationKeyFor(contact.WaID, localParty),
		ExternalPartyID:   contact.WaID,
		ExternalPartyName: contact.Profile.Name,
		LocalPartyID:      localParty,
		Body:              msg.Text.Body,
		Kind:              kind,
		Direction:         DirectionInbound,
		ProviderTimestamp: msg.Timestamp,
	}, nil
}

// NormalizeProviderStatus converts a provider status webhook body into a
// canonical StatusEvent.
func NormalizeProviderStatus(body []byte) (StatusEvent, error) {
	value, err := decodeProviderValue(body)
	if err != nil {
		return StatusEvent{}, err
	}

	if len(value.Statuses) == 0 {
		return StatusEvent{}, fmt.Errorf("%w: missing statuses", ErrMalformedPayload)
	}

	st := value.Statuses[0]
	externalID := st.MetaMsgID
	if externalID == "" {
		externalID = st.ID
	}
	if externalID == "" {
		return StatusEvent{}, fmt.Errorf("%w: missing status id", ErrMalformedPayload)
	}

	newStatus := Status(st.Status)
	if !ValidStatus(newStatus) {
		return StatusEvent{}, fmt.Errorf("%w: unknown status %q", ErrMalformedPayload, st.Status)
	}

	ev := StatusEvent{ExternalID: externalID, NewStatus: newStatus}
	if st.RecipientID != "" && value.Metadata.PhoneNumberID != "" {
		ev.ConversationKey = ConversationKeyFor(st.RecipientID, value.Metadata.PhoneNumberID)
	}
	return ev, nil
}

// NormalizeLocalSend converts a local send request into a canonical outbound
// MessageEvent, minting the external id and provider timestamp.
func NormalizeLocalSend(req LocalSendRequest, localPartyID string, now time.Time) (MessageEvent, error) {
	externalPartyID := strings.TrimSpace(req.ConversationExternalID)
	body := req.Body
	if externalPartyID == "" || body == "" {
		return MessageEvent{}, fmt.Errorf("%w: conversation_external_id and body are required", ErrInvalidRequest)
	}
	if localPartyID == "" {
		return MessageEvent{}, fmt.Errorf("%w: missing local party id", ErrInvalidRequest)
	}

	externalID, err := NewMessageID(now)
	if err != nil {
		return MessageEvent{}, err
	}

	return MessageEvent{
		ExternalID:        externalID,
		ConversationKey:   ConversationKeyFor(externalPartyID, localPartyID),
		ExternalPartyID:   externalPartyID,
		ExternalPartyName: strings.TrimSpace(req.DisplayName),
		LocalPartyID:      localPartyID,
		Body:              body,
		Kind:              KindText,
		Direction:         DirectionOutbound,
		ProviderTimestamp: strconv.FormatInt(now.Unix(), 10),
	}, nil
}

// decodeProviderValue walks payload_type -> metaData -> entry[0] -> changes[0]
// -> value, rejecting anything off-shape.
func decodeProviderValue(body []byte) (*providerValue, error) {
	var payload providerWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if payload.PayloadType != providerPayloadType {
		return nil, fmt.Errorf("%w: unexpected payload_type %q", ErrMalformedPayload, payload.PayloadType)
	}
	if payload.MetaData == nil || len(payload.MetaData.Entry) == 0 {
		return nil, fmt.Errorf("%w: missing entry", ErrMalformedPayload)
	}

	entry := payload.MetaData.Entry[0]
	if len(entry.Changes) == 0 {
		return nil, fmt.Errorf("%w: missing changes", ErrMalformedPayload)
	}

	change := entry.Changes[0]
	if change.Field != providerFieldTag {
		return nil, fmt.Errorf("%w: unexpected field %q", ErrMalformedPayload, change.Field)
	}
	if change.Value == nil {
		return nil, fmt.Errorf("%w: missing value", ErrMalformedPayload)
	}
	return change.Value, nil
}
