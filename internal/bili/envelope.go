package bili

import (
	"encoding/json"
	"errors"
	"fmt"
)

// envelope is the {code, msg|message, data} wrapper every bilibili-manga API
// response uses (msg and message alias the same field across endpoints).
type envelope struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Message
}

// APIError wraps a non-zero, non-special envelope code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bilibili API error %d: %s", e.Code, e.Message)
}

// ErrIncompleteCookie is returned when ComicDetail responds with code == 99,
// the bilibili-manga API's specific signal that the supplied cookie is
// missing required fields.
var ErrIncompleteCookie = errors.New("incomplete cookie")

// qrCodes are the non-fatal codes get_app_qrcode_status can return; these are
// poll-state values, not API errors.
var qrCodes = map[int]bool{0: true, 86038: true, 86039: true, 86090: true}

func parseEnvelope(body []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("parsing response envelope: %w", err)
	}
	return env, nil
}

// requireData unwraps env.Data into v, failing on any non-zero code (other
// than the special comic-detail code 99 handled by callers directly) and on
// absent data.
func requireData(env envelope, v any) error {
	if env.Code == 99 {
		return ErrIncompleteCookie
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Message: env.message()}
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("response has no data: %s", env.message())
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}
