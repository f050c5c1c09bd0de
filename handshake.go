// Copyright 2024 Alex Campbell. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package websocket

import (
	"regexp"
	"strconv"
	"strings"
)

// Request is a parsed client upgrade request.
type Request struct {
	// Proto is the HTTP version from the request line, e.g. "1.1".
	Proto string

	// Service is the last non-empty segment of the request-URI path. The
	// server compares it against its configured service name.
	Service string

	Host   string
	Key    string
	Origin string

	// Protocols and Extensions are the client's offers, stored but never
	// advertised back.
	Protocols  []string
	Extensions []string
}

var headerLine = regexp.MustCompile(`^([A-Za-z\-]+)\s*:\s*(.+)$`)

// parseRequest parses the text of an HTTP upgrade request. It returns a
// HandshakeError when the request is not an acceptable RFC 6455 version-13
// handshake.
func parseRequest(text string) (*Request, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) == 0 {
		return nil, errHandshake("empty request")
	}

	method, uri, proto, ok := parseRequestLine(lines[0])
	if !ok {
		return nil, errHandshake("malformed request line %q", lines[0])
	}
	if method != "GET" {
		return nil, errHandshake("method %q, want GET", method)
	}
	if major, minor, ok := parseHTTPVersion(proto); !ok || major < 1 || (major == 1 && minor < 1) {
		return nil, errHandshake("HTTP version %q below 1.1", proto)
	}

	req := &Request{
		Proto:   strings.TrimPrefix(proto, "HTTP/"),
		Service: lastPathSegment(uri),
	}

	var upgrade, connection, version string
	for _, line := range lines[1:] {
		m := headerLine.FindStringSubmatch(line)
		if m == nil {
			continue // unparsable lines are ignored
		}
		name, value := m[1], strings.TrimSpace(m[2])
		switch {
		case equalASCIIFold(name, "Host"):
			req.Host = value
		case equalASCIIFold(name, "Upgrade"):
			upgrade = value
		case equalASCIIFold(name, "Connection"):
			connection = value
		case equalASCIIFold(name, "Origin"):
			req.Origin = value
		case equalASCIIFold(name, "Sec-WebSocket-Key"):
			req.Key = value
		case equalASCIIFold(name, "Sec-WebSocket-Version"):
			version = value
		case equalASCIIFold(name, "Sec-WebSocket-Protocol"):
			req.Protocols = append(req.Protocols, splitTrim(value)...)
		case equalASCIIFold(name, "Sec-WebSocket-Extensions"):
			req.Extensions = append(req.Extensions, splitTrim(value)...)
		}
	}

	switch {
	case req.Host == "":
		return nil, errHandshake("missing Host header")
	case !equalASCIIFold(upgrade, "websocket"):
		return nil, errHandshake("upgrade header %q, want websocket", upgrade)
	case !tokenListContains(connection, "upgrade"):
		return nil, errHandshake("connection header %q, want Upgrade", connection)
	case version != "13":
		return nil, errHandshake("version %q, want 13", version)
	case req.Key == "":
		return nil, errHandshake("key missing or blank")
	}
	return req, nil
}

func parseRequestLine(line string) (method, uri, proto string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", "", "", false
	}
	return fields[0], fields[1], fields[2], true
}

func parseHTTPVersion(proto string) (major, minor int, ok bool) {
	rest, found := strings.CutPrefix(proto, "HTTP/")
	if !found {
		return 0, 0, false
	}
	maj, min, found := strings.Cut(rest, ".")
	if !found {
		return 0, 0, false
	}
	var err error
	if major, err = strconv.Atoi(maj); err != nil {
		return 0, 0, false
	}
	if minor, err = strconv.Atoi(min); err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// lastPathSegment extracts the service name from a request-URI: the last
// non-empty path segment, with any query string discarded.
func lastPathSegment(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	segments := strings.Split(uri, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] != "" {
			return segments[i]
		}
	}
	return ""
}

// Response is a server handshake response.
type Response struct {
	Proto     string
	Status    string
	AcceptKey string

	// ExtraHeaders are verbatim "Name: value" lines added after the
	// standard headers.
	ExtraHeaders []string
}

const (
	statusSwitching  = "101 Switching Protocols"
	statusBadRequest = "400 Bad Request"
)

// acceptResponse builds the 101 response for req. Offered subprotocols and
// extensions are deliberately not echoed; this server negotiates neither.
func acceptResponse(req *Request) *Response {
	return &Response{
		Proto:     req.Proto,
		Status:    statusSwitching,
		AcceptKey: computeAcceptKey(req.Key),
	}
}

// badRequest builds a 400 response with optional extra header lines.
func badRequest(extras ...string) *Response {
	return &Response{Proto: "1.1", Status: statusBadRequest, ExtraHeaders: extras}
}

// appendTo serializes the response onto p and returns the extended slice.
func (r *Response) appendTo(p []byte) []byte {
	p = append(p, "HTTP/"...)
	p = append(p, r.Proto...)
	p = append(p, ' ')
	p = append(p, r.Status...)
	p = append(p, "\r\n"...)
	if r.Status == statusSwitching {
		p = append(p, "Upgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: "...)
		p = append(p, r.AcceptKey...)
		p = append(p, "\r\n"...)
	}
	for _, h := range r.ExtraHeaders {
		p = append(p, h...)
		p = append(p, "\r\n"...)
	}
	return append(p, "\r\n"...)
}
