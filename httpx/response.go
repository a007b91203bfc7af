package httpx

import (
	"bytes"
	"net/http"
)

// ResponseBuffer captures a handler's response in memory so it can be
// inspected or replayed onto the real writer.
type ResponseBuffer struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func (b *ResponseBuffer) Status() int {
	return b.status
}

func (b *ResponseBuffer) Header() http.Header {
	if b.header == nil {
		b.header = http.Header{}
	}
	return b.header
}

func (b *ResponseBuffer) Body() []byte {
	return b.body.Bytes()
}

func (b *ResponseBuffer) Write(body []byte) (int, error) {
	return b.body.Write(body)
}

func (b *ResponseBuffer) WriteHeader(statusCode int) {
	b.status = statusCode
}

// Flush replays headers, status and body onto w.
func (b *ResponseBuffer) Flush(w http.ResponseWriter) error {
	header := w.Header()
	for key, value := range b.header {
		header[key] = value
	}
	if b.status != 0 {
		w.WriteHeader(b.status)
	}
	if b.body.Len() > 0 {
		_, err := w.Write(b.body.Bytes())
		return err
	}
	return nil
}
