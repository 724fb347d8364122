package stream

import "io"

// Header is a single name/value pair. Requests keep headers as an ordered
// list so duplicate keys survive round-trips.
type Header struct {
	Name  string
	Value string
}

// Request is the HTTP-style invocation handed to a guest.
type Request struct {
	Method  string
	URI     string
	Headers []Header
	Body    *Body
}

// NewRequest builds a request around a buffered body.
func NewRequest(method, uri string, headers []Header, body []byte) *Request {
	return &Request{
		Method:  method,
		URI:     uri,
		Headers: headers,
		Body:    NewBuffered(body),
	}
}

// HeaderValues returns every value recorded for name, in order.
func (r *Request) HeaderValues(name string) []string {
	var values []string
	for _, h := range r.Headers {
		if h.Name == name {
			values = append(values, h.Value)
		}
	}
	return values
}

// Response is the guest's reply. The body may be pre-buffered or
// producer-backed; materialization is deferred until the response is
// consumed.
type Response struct {
	Status  int
	Headers []Header
	Body    *Body
}

// NewResponse builds a response around a buffered body.
func NewResponse(status int, headers []Header, body []byte) *Response {
	return &Response{Status: status, Headers: headers, Body: NewBuffered(body)}
}

// NewStreamingResponse builds a response whose body is produced lazily.
func NewStreamingResponse(status int, headers []Header, producer io.Reader) *Response {
	return &Response{Status: status, Headers: headers, Body: NewReader(producer)}
}
