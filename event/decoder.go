// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"

	"github.com/go-playground/form"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/messagebroker/mbc-mailchimp-subscription/delivery"
)

// DefaultMaxBodyBytes bounds a message body, after decompression.
const DefaultMaxBodyBytes = 64 * 1024

// Content types and encodings.
const (
	ContentTypeForm = "application/x-www-form-urlencoded"
	ContentTypeJSON = "application/json"
	EncodingGzip    = "gzip"
)

// payload is the wire schema. Both camelCase and snake_case spellings are
// accepted; camelCase wins when both are present. Other fields are ignored.
type payload struct {
	Email            string            `form:"email" json:"email"`
	EmailAddress     string            `form:"email_address" json:"email_address"`
	Action           string            `form:"action" json:"action"`
	ListID           string            `form:"listId" json:"listId"`
	ListIDSnake      string            `form:"list_id" json:"list_id"`
	MergeFields      map[string]string `form:"mergeFields" json:"mergeFields"`
	MergeFieldsSnake map[string]string `form:"merge_fields" json:"merge_fields"`
	CorrelationID    string            `form:"correlationId" json:"correlationId"`
	CorrelationSnake string            `form:"correlation_id" json:"correlation_id"`
}

var fieldNames = map[string]string{
	"Email":  "email",
	"Action": "action",
	"ListID": "listId",
}

// Decoder turns message bodies into validated events. It is safe for
// concurrent use.
type Decoder struct {
	form     *form.Decoder
	validate *validator.Validate
	maxBody  int64
}

// NewDecoder returns a decoder rejecting bodies above maxBodyBytes.
// A non-positive limit selects DefaultMaxBodyBytes.
func NewDecoder(maxBodyBytes int64) *Decoder {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}

	fd := form.NewDecoder()
	fd.SetTagName("form")

	return &Decoder{
		form:     fd,
		validate: validator.New(),
		maxBody:  maxBodyBytes,
	}
}

// DecodeMessage decodes msg and fills in a correlation id from the message
// properties when the payload carries none.
func (d *Decoder) DecodeMessage(msg delivery.Message) (Event, error) {
	ev, err := d.Decode(msg.Body, msg.ContentType, msg.ContentEncoding)
	if err != nil {
		return Event{}, err
	}

	if ev.CorrelationID == "" {
		ev.CorrelationID = CorrelationID(msg)
	}
	return ev, nil
}

// CorrelationID returns the id used to trace msg when the payload is not
// readable: the AMQP correlation-id, else the message-id, else a new UUID.
func CorrelationID(msg delivery.Message) string {
	switch {
	case msg.CorrelationID != "":
		return msg.CorrelationID
	case msg.MessageID != "":
		return msg.MessageID
	default:
		return uuid.NewString()
	}
}

// Decode parses body according to contentType and contentEncoding.
func (d *Decoder) Decode(body []byte, contentType, contentEncoding string) (Event, error) {
	body, err := d.inflate(body, contentEncoding)
	if err != nil {
		return Event{}, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Event{}, &DecodeError{Reason: "body", Err: ErrEmptyBody}
	}

	var p payload
	switch mediaType(contentType, trimmed) {
	case ContentTypeJSON:
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return Event{}, &DecodeError{Reason: "malformed json", Err: err}
		}
	case ContentTypeForm:
		values, err := url.ParseQuery(string(trimmed))
		if err != nil {
			return Event{}, &DecodeError{Reason: "malformed form body", Err: err}
		}
		if err := d.form.Decode(&p, values); err != nil {
			return Event{}, &DecodeError{Reason: "malformed form body", Err: err}
		}
	default:
		return Event{}, &DecodeError{Reason: "content type", Err: fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)}
	}

	ev := p.event()
	if err := d.validate.Struct(ev); err != nil {
		return Event{}, validationError(err)
	}

	return ev, nil
}

func (d *Decoder) inflate(body []byte, contentEncoding string) ([]byte, error) {
	if int64(len(body)) > d.maxBody {
		return nil, &DecodeError{Reason: "body", Err: ErrBodyTooLarge}
	}

	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity", "utf-8", "utf8":
		return body, nil
	case EncodingGzip:
	default:
		return nil, &DecodeError{Reason: "content encoding", Err: fmt.Errorf("%w: %q", ErrEncoding, contentEncoding)}
	}

	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, &DecodeError{Reason: "gzip body", Err: err}
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, d.maxBody+1))
	if err != nil {
		return nil, &DecodeError{Reason: "gzip body", Err: err}
	}
	if int64(len(out)) > d.maxBody {
		return nil, &DecodeError{Reason: "body", Err: ErrBodyTooLarge}
	}
	return out, nil
}

// mediaType picks the body syntax. Bodies without a content type are sniffed.
func mediaType(contentType string, body []byte) string {
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			switch {
			case mt == ContentTypeJSON || strings.HasSuffix(mt, "+json"):
				return ContentTypeJSON
			case mt == ContentTypeForm || mt == "text/plain":
				return ContentTypeForm
			default:
				return mt
			}
		}
	}

	if body[0] == '{' {
		return ContentTypeJSON
	}
	return ContentTypeForm
}

func (p payload) event() Event {
	ev := Event{
		Email:         strings.TrimSpace(first(p.Email, p.EmailAddress)),
		Action:        ParseAction(p.Action),
		ListID:        strings.TrimSpace(first(p.ListID, p.ListIDSnake)),
		MergeFields:   p.MergeFields,
		CorrelationID: first(p.CorrelationID, p.CorrelationSnake),
	}
	if len(ev.MergeFields) == 0 {
		ev.MergeFields = p.MergeFieldsSnake
	}
	return ev
}

func first(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &DecodeError{Reason: "invalid event", Err: err}
	}

	fe := verrs[0]
	name, ok := fieldNames[fe.Field()]
	if !ok {
		name = fe.Field()
	}

	reason := "failed " + fe.Tag()
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "email":
		reason = fmt.Sprintf("%q is not a valid email address", fe.Value())
	case "oneof":
		reason = fmt.Sprintf("%q is not one of %s", fe.Value(), fe.Param())
	}

	return &DecodeError{Field: name, Reason: reason}
}
