package pusher

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	eventConnectionEstablished = "pusher:connection_established"
	eventError                 = "pusher:error"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventSubscriptionError     = "pusher:subscription_error"
	internalPrefix             = "pusher_internal:"
)

type frame struct {
	Event   string
	Channel string
	// Data is the payload with one level of string encoding removed:
	// Pusher servers send data as a JSON encoded string.
	Data []byte
}

func parseFrame(raw []byte) (frame, error) {
	if !gjson.ValidBytes(raw) {
		return frame{}, errors.New("invalid frame json")
	}
	parsed := gjson.ParseBytes(raw)
	event := parsed.Get("event")
	if event.Type != gjson.String || event.Str == "" {
		return frame{}, errors.New("frame has no event name")
	}
	f := frame{Event: event.Str, Channel: parsed.Get("channel").String()}
	data := parsed.Get("data")
	switch {
	case !data.Exists():
	case data.Type == gjson.String:
		f.Data = []byte(data.Str)
	default:
		f.Data = []byte(data.Raw)
	}
	return f, nil
}

type connectionInfo struct {
	SocketID        string
	ActivityTimeout int64
}

func parseConnectionEstablished(data []byte) (connectionInfo, error) {
	if !gjson.ValidBytes(data) {
		return connectionInfo{}, errors.New("invalid connection_established payload")
	}
	info := connectionInfo{
		SocketID:        gjson.GetBytes(data, "socket_id").String(),
		ActivityTimeout: gjson.GetBytes(data, "activity_timeout").Int(),
	}
	if info.SocketID == "" {
		return connectionInfo{}, errors.New("connection_established without socket_id")
	}
	return info, nil
}

func parseProtocolError(data []byte) *ProtocolError {
	return &ProtocolError{
		Code:    int(gjson.GetBytes(data, "code").Int()),
		Message: gjson.GetBytes(data, "message").String(),
	}
}

func parseSubscriptionError(channel string, data []byte) *SubscriptionError {
	subErr := &SubscriptionError{Channel: channel}
	if gjson.ValidBytes(data) && gjson.ParseBytes(data).IsObject() {
		subErr.Status = int(gjson.GetBytes(data, "status").Int())
		subErr.Type = gjson.GetBytes(data, "type").String()
		subErr.Message = gjson.GetBytes(data, "error").String()
	} else {
		subErr.Message = string(data)
	}
	return subErr
}

type field struct {
	key   string
	value string
}

// buildFrame encodes a client frame. data fields are string valued, in
// order.
func buildFrame(event string, data ...field) ([]byte, error) {
	out, err := sjson.SetBytes(nil, "event", event)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetRawBytes(out, "data", []byte("{}"))
	if err != nil {
		return nil, err
	}
	for _, f := range data {
		out, err = sjson.SetBytes(out, "data."+f.key, f.value)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// subscribeFrame copies the auth and channel_data fields of the opaque
// credential into a pusher:subscribe frame.
func subscribeFrame(channel string, credentials json.RawMessage) ([]byte, error) {
	fields := []field{{key: "channel", value: channel}}
	if credentials != nil {
		if !gjson.ValidBytes(credentials) {
			return nil, errors.New("channel credential is not valid json")
		}
		auth := gjson.GetBytes(credentials, "auth")
		if auth.String() == "" {
			return nil, fmt.Errorf("channel credential for %s has no auth signature", channel)
		}
		fields = append(fields, field{key: "auth", value: auth.String()})
		if channelData := gjson.GetBytes(credentials, "channel_data"); channelData.Exists() {
			value := channelData.Raw
			if channelData.Type == gjson.String {
				value = channelData.Str
			}
			fields = append(fields, field{key: "channel_data", value: value})
		}
	}
	return buildFrame(eventSubscribe, fields...)
}
