package topology

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentTypeJSON tags bodies that were JSON encoded from structured values
const ContentTypeJSON = "application/json"

// Message is an outgoing or consumed message.
//
// Body always holds the raw bytes. Content holds the decoded payload: the
// unmarshalled JSON value for ContentTypeJSON bodies and the body as a string
// otherwise.
type Message struct {
	Body    []byte
	Content any

	ContentType     string
	ContentEncoding string
	Headers         amqp.Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	AppID           string

	// Set on consumed messages only
	Exchange    string
	RoutingKey  string
	Redelivered bool
	DeliveryTag uint64
	ConsumerTag string

	delivery *amqp.Delivery
}

// Encode turns content into a body. Strings and byte slices are sent raw with
// no content type; every other value is JSON encoded and tagged ContentTypeJSON.
func Encode(content any) ([]byte, string, error) {
	switch v := content.(type) {
	case string:
		return []byte(v), "", nil
	case []byte:
		return v, "", nil
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return nil, "", fmt.Errorf("encode content: %w", err)
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), ContentTypeJSON, nil
	}
}

// NewMessage builds an outgoing message from content
func NewMessage(content any) (*Message, error) {
	body, contentType, err := Encode(content)
	if err != nil {
		return nil, err
	}
	return &Message{
		Body:        body,
		Content:     content,
		ContentType: contentType,
	}, nil
}

// Decode unmarshals a JSON body into v
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// Ack acknowledges a consumed message. Only meaningful with WithManualAck.
func (m *Message) Ack() error {
	if m.delivery == nil {
		return ErrNotDelivered
	}
	return m.delivery.Ack(false)
}

// Nack negatively acknowledges a consumed message
func (m *Message) Nack(requeue bool) error {
	if m.delivery == nil {
		return ErrNotDelivered
	}
	return m.delivery.Nack(false, requeue)
}

// Reject rejects a consumed message
func (m *Message) Reject(requeue bool) error {
	if m.delivery == nil {
		return ErrNotDelivered
	}
	return m.delivery.Reject(requeue)
}

func (m *Message) publishing() amqp.Publishing {
	return amqp.Publishing{
		Headers:         m.Headers,
		ContentType:     m.ContentType,
		ContentEncoding: m.ContentEncoding,
		DeliveryMode:    m.DeliveryMode,
		Priority:        m.Priority,
		CorrelationId:   m.CorrelationID,
		ReplyTo:         m.ReplyTo,
		Expiration:      m.Expiration,
		MessageId:       m.MessageID,
		Timestamp:       m.Timestamp,
		Type:            m.Type,
		AppId:           m.AppID,
		Body:            m.Body,
	}
}

// messageFromDelivery decodes a delivery. A ContentTypeJSON body that does not
// parse is returned as an error so the caller can reject it.
func messageFromDelivery(d amqp.Delivery) (*Message, error) {
	msg := &Message{
		Body:            d.Body,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		Headers:         d.Headers,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageID:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppID:           d.AppId,
		Exchange:        d.Exchange,
		RoutingKey:      d.RoutingKey,
		Redelivered:     d.Redelivered,
		DeliveryTag:     d.DeliveryTag,
		ConsumerTag:     d.ConsumerTag,
		delivery:        &d,
	}

	if d.ContentType == ContentTypeJSON {
		var content any
		if err := json.Unmarshal(d.Body, &content); err != nil {
			return msg, fmt.Errorf("decode %s body: %w", ContentTypeJSON, err)
		}
		msg.Content = content
		return msg, nil
	}

	msg.Content = string(d.Body)
	return msg, nil
}

func formatMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
