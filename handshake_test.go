// Copyright 2024 Alex Campbell. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package websocket

import (
	"reflect"
	"strings"
	"testing"
)

// sampleRequest is the RFC 6455 section 1.2 example handshake, with the
// request-URI adjusted to the conventional service path.
const sampleRequest = "GET /chat HTTP/1.1\r\n" +
	"Host: server.example.com\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Origin: http://example.com\r\n" +
	"Sec-WebSocket-Protocol: chat, superchat\r\n" +
	"Sec-WebSocket-Version: 13"

func TestComputeAcceptKey(t *testing.T) {
	// Canonical vector from RFC 6455 section 4.2.2.
	got := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("computeAcceptKey returned %q, want %q", got, want)
	}
}

func TestParseRequest(t *testing.T) {
	req, err := parseRequest(sampleRequest)
	if err != nil {
		t.Fatalf("parseRequest returned error %v", err)
	}
	if req.Service != "chat" {
		t.Errorf("Service = %q, want %q", req.Service, "chat")
	}
	if req.Host != "server.example.com" {
		t.Errorf("Host = %q, want %q", req.Host, "server.example.com")
	}
	if req.Key != "dGhlIHNhbXBsZSBub25jZQ==" {
		t.Errorf("Key = %q", req.Key)
	}
	if req.Origin != "http://example.com" {
		t.Errorf("Origin = %q", req.Origin)
	}
	if want := []string{"chat", "superchat"}; !reflect.DeepEqual(req.Protocols, want) {
		t.Errorf("Protocols = %#v, want %#v", req.Protocols, want)
	}
	if req.Proto != "1.1" {
		t.Errorf("Proto = %q, want %q", req.Proto, "1.1")
	}
}

var parseRequestErrorTests = []struct {
	name    string
	mutate  func(string) string
	wantErr string
}{
	{
		"post",
		func(s string) string { return strings.Replace(s, "GET", "POST", 1) },
		"want GET",
	},
	{
		"http 1.0",
		func(s string) string { return strings.Replace(s, "HTTP/1.1", "HTTP/1.0", 1) },
		"below 1.1",
	},
	{
		"missing host",
		func(s string) string { return strings.Replace(s, "Host: server.example.com\r\n", "", 1) },
		"missing Host",
	},
	{
		"wrong upgrade",
		func(s string) string { return strings.Replace(s, "Upgrade: websocket", "Upgrade: h2c", 1) },
		"want websocket",
	},
	{
		"wrong connection",
		func(s string) string { return strings.Replace(s, "Connection: Upgrade", "Connection: close", 1) },
		"want Upgrade",
	},
	{
		"wrong version",
		func(s string) string { return strings.Replace(s, "Version: 13", "Version: 8", 1) },
		"want 13",
	},
	{
		"missing key",
		func(s string) string {
			return strings.Replace(s, "Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n", "", 1)
		},
		"key missing",
	},
	{
		"garbage request line",
		func(s string) string { return "NONSENSE\r\n" + s },
		"malformed request line",
	},
}

func TestParseRequestErrors(t *testing.T) {
	for _, tt := range parseRequestErrorTests {
		_, err := parseRequest(tt.mutate(sampleRequest))
		if err == nil {
			t.Errorf("%s: parseRequest returned nil error", tt.name)
			continue
		}
		if _, ok := err.(HandshakeError); !ok {
			t.Errorf("%s: parseRequest returned %T, want HandshakeError", tt.name, err)
		}
		if !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%s: parseRequest returned %q, want error containing %q", tt.name, err, tt.wantErr)
		}
	}
}

func TestParseRequestCaseInsensitive(t *testing.T) {
	req := "GET /chat HTTP/1.1\r\n" +
		"host: h\r\n" +
		"UPGRADE: WebSocket\r\n" +
		"Connection: keep-alive, Upgrade\r\n" +
		"sec-websocket-key: k\r\n" +
		"SEC-WEBSOCKET-VERSION: 13"
	if _, err := parseRequest(req); err != nil {
		t.Errorf("parseRequest rejected folded headers: %v", err)
	}
}

func TestParseRequestIgnoresJunkLines(t *testing.T) {
	junk := strings.Replace(sampleRequest, "Origin: http://example.com\r\n",
		"Origin: http://example.com\r\nthis line has no colon\r\n", 1)
	if _, err := parseRequest(junk); err != nil {
		t.Errorf("parseRequest rejected request with junk line: %v", err)
	}
}

var lastPathSegmentTests = []struct {
	uri  string
	want string
}{
	{"/chat", "chat"},
	{"/chat/", "chat"},
	{"/a/b/chat", "chat"},
	{"/chat?token=x", "chat"},
	{"/", ""},
	{"", ""},
}

func TestLastPathSegment(t *testing.T) {
	for _, tt := range lastPathSegmentTests {
		if got := lastPathSegment(tt.uri); got != tt.want {
			t.Errorf("lastPathSegment(%q) returned %q, want %q", tt.uri, got, tt.want)
		}
	}
}

func TestAcceptResponse(t *testing.T) {
	req, err := parseRequest(sampleRequest)
	if err != nil {
		t.Fatal(err)
	}
	got := string(acceptResponse(req).appendTo(nil))
	want := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n" +
		"\r\n"
	if got != want {
		t.Errorf("acceptResponse serialized to %q, want %q", got, want)
	}
	if strings.Contains(got, "Sec-WebSocket-Protocol") {
		t.Error("101 response advertises a subprotocol")
	}
}

func TestBadRequestResponse(t *testing.T) {
	got := string(badRequest("X-Reason: no").appendTo(nil))
	want := "HTTP/1.1 400 Bad Request\r\nX-Reason: no\r\n\r\n"
	if got != want {
		t.Errorf("badRequest serialized to %q, want %q", got, want)
	}
}
