package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tidwall/gjson"
)

var ErrNoData = errors.New(`response has no "data" field`)

// Response is a successful (2xx) reply. Body is exactly what the backend sent.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Data returns the "data" envelope field.
func (r *Response) Data() gjson.Result {
	return gjson.GetBytes(r.Body, "data")
}

func (r *Response) DecodeData(v any) error {
	data := r.Data()
	if !data.Exists() {
		return ErrNoData
	}
	return json.Unmarshal([]byte(data.Raw), v)
}
