package job

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"strings"
)

// RecipientKind is the transport discriminator of a recipient descriptor.
type RecipientKind string

const (
	RecipientHTTP    RecipientKind = "http"
	RecipientMessage RecipientKind = "message"
)

// RecipientKinds lists every kind known to this build. Executor registries check
// ambiguity against it.
var RecipientKinds = []RecipientKind{RecipientHTTP, RecipientMessage}

// Recipient is the destination a job's execution is delivered to. The variant set is closed.
type Recipient interface {
	Kind() RecipientKind
	validate() error
	clone() Recipient
}

// ValidateRecipient checks the transport specific fields.
func ValidateRecipient(r Recipient) error {
	if r == nil {
		return fmt.Errorf("recipient is required")
	}
	return r.validate()
}

// HTTPRecipient delivers the job as an HTTP request.
type HTTPRecipient struct {
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
}

func (h HTTPRecipient) Kind() RecipientKind { return RecipientHTTP }

func (h HTTPRecipient) validate() error {
	if strings.TrimSpace(h.URL) == "" {
		return fmt.Errorf("http recipient url is required")
	}
	u, err := url.Parse(h.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("http recipient url %q is not absolute", h.URL)
	}
	switch strings.ToUpper(h.Method) {
	case "", "GET", "POST", "PUT", "PATCH", "DELETE":
	default:
		return fmt.Errorf("unsupported http method %q", h.Method)
	}
	return nil
}

func (h HTTPRecipient) clone() Recipient {
	h.Headers = maps.Clone(h.Headers)
	h.QueryParams = maps.Clone(h.QueryParams)
	if h.Payload != nil {
		h.Payload = append(json.RawMessage(nil), h.Payload...)
	}
	return h
}

// MethodOrDefault returns the request method, POST when unset.
func (h HTTPRecipient) MethodOrDefault() string {
	if h.Method == "" {
		return "POST"
	}
	return strings.ToUpper(h.Method)
}

// MessageRecipient publishes the payload to a topic of the message bus.
type MessageRecipient struct {
	Topic    string            `json:"topic"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (m MessageRecipient) Kind() RecipientKind { return RecipientMessage }

func (m MessageRecipient) validate() error {
	if strings.TrimSpace(m.Topic) == "" {
		return fmt.Errorf("message recipient topic is required")
	}
	return nil
}

func (m MessageRecipient) clone() Recipient {
	m.Metadata = maps.Clone(m.Metadata)
	if m.Payload != nil {
		m.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return m
}

// Destination carries a Recipient through JSON as {type, ...fields}.
type Destination struct {
	Recipient Recipient
}

func (d Destination) MarshalJSON() ([]byte, error) {
	if d.Recipient == nil {
		return []byte("null"), nil
	}
	var (
		body []byte
		err  error
	)
	switch r := d.Recipient.(type) {
	case HTTPRecipient:
		body, err = json.Marshal(r)
	case MessageRecipient:
		body, err = json.Marshal(r)
	case UnknownRecipient:
		return append([]byte(nil), r.Raw...), nil
	default:
		return nil, fmt.Errorf("unsupported recipient %T", d.Recipient)
	}
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(d.Recipient.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

func (d *Destination) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		d.Recipient = nil
		return nil
	}
	var head struct {
		Type RecipientKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case RecipientHTTP:
		var r HTTPRecipient
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		d.Recipient = r
	case RecipientMessage:
		var r MessageRecipient
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		d.Recipient = r
	default:
		// Unknown kinds stay decodable so dispatch can report them as unsupported.
		d.Recipient = UnknownRecipient{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}
	}
	return nil
}

// UnknownRecipient holds a descriptor whose discriminator this build does not model.
// No executor accepts it.
type UnknownRecipient struct {
	Type RecipientKind
	Raw  json.RawMessage
}

func (u UnknownRecipient) Kind() RecipientKind { return u.Type }

func (u UnknownRecipient) validate() error {
	if u.Type == "" {
		return fmt.Errorf("recipient type is required")
	}
	return nil
}

func (u UnknownRecipient) clone() Recipient {
	u.Raw = append(json.RawMessage(nil), u.Raw...)
	return u
}
