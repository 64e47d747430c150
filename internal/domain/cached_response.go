package domain

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// StoredResponse: сериализуемая форма HTTP-ответа в бакете кэша.
type StoredResponse struct {
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
}

// CaptureResponse вычитывает тело ответа и возвращает его копию для хранения.
// Тело исходного ответа заменяется буфером, так что resp остаётся пригодным для чтения.
func CaptureResponse(resp *http.Response) (StoredResponse, error) {
	if resp == nil {
		return StoredResponse{}, fmt.Errorf("nil response")
	}
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return StoredResponse{}, fmt.Errorf("read response body: %w", err)
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return StoredResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// Response восстанавливает *http.Response из сохранённой формы.
func (s StoredResponse) Response() *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
	}
}
