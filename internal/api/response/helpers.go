package response

import (
	"encoding/json"
	"net/http"
)

type JSON map[string]any

type Response struct {
	http.ResponseWriter
	status int
	body   []byte
}

type ResponseOption func(*Response)

func Respond(w http.ResponseWriter, opts ...ResponseOption) {
	r := &Response{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.WriteHeader(r.status)
	if r.body != nil {
		r.Write(r.body)
	}
}

func WithStatus(status int) ResponseOption {
	return func(r *Response) {
		r.status = status
	}
}

func WithJSON(v any) ResponseOption {
	return func(r *Response) {
		jsonWrapper(r, v, http.StatusOK)
	}
}

func WithJSONStatus(v any, status int) ResponseOption {
	return func(r *Response) {
		jsonWrapper(r, v, status)
	}
}

// WithError writes {"error": err} with status.
func WithError(err error, status int) ResponseOption {
	return func(r *Response) {
		jsonWrapper(r, JSON{"error": err.Error()}, status)
	}
}

func jsonWrapper(r *Response, v any, status int) {
	r.Header().Set("Content-Type", "application/json")
	r.status = status

	// marshal first so an encoding error can still change the status
	body, err := json.Marshal(v)
	if err != nil {
		r.status = http.StatusInternalServerError
		r.body = []byte(err.Error())
		return
	}
	r.body = body
}
