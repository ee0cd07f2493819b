package network

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"

	"github.com/hivecore/hive/kernel/utils"
)

// metaPart carries a message's id and type; every attribute gets its own
// part alongside it, binary-safe and keyed by attribute name, matching the
// original boundary-delimited "Content-Disposition: form-data;
// name=..." wire format one part per attribute.
type metaPart struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// EncodeMultipart serializes a Message as a multipart/form-data body,
// returning the body bytes and the Content-Type header value (which
// carries the boundary the decoder needs).
func EncodeMultipart(m *Message) (body []byte, contentType string, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	meta, err := json.Marshal(metaPart{ID: m.ID(), Type: m.Type()})
	if err != nil {
		return nil, "", utils.WrapError(err, "marshal message meta")
	}
	if err := w.WriteField("msg-meta", string(meta)); err != nil {
		return nil, "", utils.WrapError(err, "write meta part")
	}

	for _, name := range m.AttributeNames() {
		value, _ := m.Attribute(name)
		part, err := w.CreateFormField(name)
		if err != nil {
			return nil, "", utils.WrapError(err, "create attribute part")
		}
		if _, err := part.Write([]byte(value)); err != nil {
			return nil, "", utils.WrapError(err, "write attribute part")
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", utils.WrapError(err, "close multipart writer")
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

// DecodeMultipart parses a multipart/form-data body previously produced by
// EncodeMultipart back into a Message.
func DecodeMultipart(body []byte, contentType string) (*Message, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, utils.WrapError(utils.ErrMessagePayloadInvalid, err.Error())
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil, utils.WrapError(utils.ErrMessagePayloadInvalid, "missing multipart boundary")
	}

	r := multipart.NewReader(bytes.NewReader(body), boundary)

	var meta metaPart
	haveMeta := false
	attrs := make(map[string]string)

	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, utils.WrapError(utils.ErrMessagePayloadInvalid, err.Error())
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return nil, utils.WrapError(utils.ErrMessagePayloadInvalid, err.Error())
		}

		name := part.FormName()
		if name == "msg-meta" {
			if err := json.Unmarshal(data, &meta); err != nil {
				return nil, utils.WrapError(utils.ErrMessagePayloadInvalid, "invalid msg-meta")
			}
			haveMeta = true
			continue
		}
		attrs[name] = string(data)
	}

	if !haveMeta {
		return nil, utils.WrapError(utils.ErrMessagePayloadInvalid, "missing msg-meta part")
	}

	msg := NewMessageWithID(meta.Type, meta.ID)
	for k, v := range attrs {
		msg.SetAttribute(k, v)
	}
	return msg, nil
}
