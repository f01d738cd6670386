// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package payload

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Header is a single HTTP header line.
type Header struct {
	Name  string
	Value string
}

// HTTPRequest is the canonical HTTP mode request.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers []Header
	Body    []byte
}

// HTTPResponse is the canonical HTTP mode response.
type HTTPResponse struct {
	Status  int
	Headers []Header
	Body    []byte
}

// Encode renders METHOD\nURL\nN\nK: V\n...\nbody_len\nBODY.
func (r *HTTPRequest) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(r.Method)
	b.WriteByte('\n')
	b.WriteString(r.URL)
	b.WriteByte('\n')
	writeHeadersAndBody(&b, r.Headers, r.Body)
	return b.Bytes()
}

// Encode renders STATUS\nN\nK: V\n...\nbody_len\nBODY.
func (r *HTTPResponse) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(strconv.Itoa(r.Status))
	b.WriteByte('\n')
	writeHeadersAndBody(&b, r.Headers, r.Body)
	return b.Bytes()
}

func writeHeadersAndBody(b *bytes.Buffer, headers []Header, body []byte) {
	b.WriteString(strconv.Itoa(len(headers)))
	b.WriteByte('\n')
	for _, h := range headers {
		fmt.Fprintf(b, "%s: %s\n", h.Name, h.Value)
	}
	b.WriteString(strconv.Itoa(len(body)))
	b.WriteByte('\n')
	b.Write(body)
}

type lineReader struct {
	b []byte
}

func (l *lineReader) line() (string, error) {
	i := bytes.IndexByte(l.b, '\n')
	if i < 0 {
		return "", fmt.Errorf("%w: truncated http text", ErrMalformed)
	}
	s := string(l.b[:i])
	l.b = l.b[i+1:]
	return s, nil
}

func (l *lineReader) count(limit int) (int, error) {
	s, err := l.line()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > limit {
		return 0, fmt.Errorf("%w: bad count %q", ErrMalformed, s)
	}
	return n, nil
}

func (l *lineReader) headersAndBody() ([]Header, []byte, error) {
	const maxHeaders = 256

	n, err := l.count(maxHeaders)
	if err != nil {
		return nil, nil, err
	}
	headers := make([]Header, 0, n)
	for i := 0; i < n; i++ {
		s, err := l.line()
		if err != nil {
			return nil, nil, err
		}
		name, value, ok := strings.Cut(s, ": ")
		if !ok || name == "" {
			return nil, nil, fmt.Errorf("%w: bad header %q", ErrMalformed, s)
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	bodyLen, err := l.count(len(l.b))
	if err != nil {
		return nil, nil, err
	}
	if bodyLen != len(l.b) {
		return nil, nil, fmt.Errorf("%w: body length mismatch", ErrMalformed)
	}
	return headers, l.b, nil
}

// ParseHTTPRequest parses the canonical request text.
func ParseHTTPRequest(b []byte) (*HTTPRequest, error) {
	l := &lineReader{b: b}
	method, err := l.line()
	if err != nil {
		return nil, err
	}
	url, err := l.line()
	if err != nil {
		return nil, err
	}
	if method == "" || url == "" {
		return nil, fmt.Errorf("%w: empty method or url", ErrMalformed)
	}
	headers, body, err := l.headersAndBody()
	if err != nil {
		return nil, err
	}
	return &HTTPRequest{Method: method, URL: url, Headers: headers, Body: body}, nil
}

// ParseHTTPResponse parses the canonical response text.
func ParseHTTPResponse(b []byte) (*HTTPResponse, error) {
	l := &lineReader{b: b}
	status, err := l.count(999)
	if err != nil {
		return nil, err
	}
	headers, body, err := l.headersAndBody()
	if err != nil {
		return nil, err
	}
	return &HTTPResponse{Status: status, Headers: headers, Body: body}, nil
}
