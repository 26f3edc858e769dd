package content

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseMessage_MultipartAlternative(t *testing.T) {
	raw := crlf(`From: "Netlify" <news@netlify.com>
Subject: Fwd: Launch week
Date: Tue, 02 Jan 2024 15:04:05 +0000
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="b1"

--b1
Content-Type: text/plain; charset=utf-8

plain body
--b1
Content-Type: text/html; charset=utf-8
Content-Transfer-Encoding: quoted-printable

<p>Hello =3D world</p>
--b1--
`)

	msg, err := ParseMessage(raw, fixedNow)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.Subject != "Fwd: Launch week" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.Sender != "Netlify" {
		t.Errorf("Sender = %q", msg.Sender)
	}
	if msg.Date != "2024-01-02" {
		t.Errorf("Date = %q", msg.Date)
	}
	if !strings.Contains(msg.HTML, "<p>Hello = world</p>") {
		t.Errorf("HTML = %q", msg.HTML)
	}
}

func TestParseMessage_SinglePartHTML(t *testing.T) {
	raw := crlf(`From: news@example.com
Subject: =?UTF-8?B?w4TDpGtlIE5ld3M=?=
Content-Type: text/html; charset=utf-8

<html><body>hi</body></html>
`)

	msg, err := ParseMessage(raw, fixedNow)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.Subject != "Ääke News" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.Sender != "news@example.com" {
		t.Errorf("Sender = %q", msg.Sender)
	}
	if msg.Date != "2024-09-01" {
		t.Errorf("Date = %q, want run date", msg.Date)
	}
}

func TestParseMessage_NoHTMLBody(t *testing.T) {
	tests := map[string][]byte{
		"plain only": crlf(`Subject: Plain
Content-Type: text/plain

just text
`),
		"multipart without html": crlf(`Subject: Mixed
Content-Type: multipart/mixed; boundary="b"

--b
Content-Type: text/plain

text
--b
Content-Type: application/pdf

%PDF
--b--
`),
		"empty html": crlf(`Subject: Empty
Content-Type: text/html

   
`),
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMessage(raw, fixedNow)
			if !errors.Is(err, ErrNoHTMLBody) {
				t.Errorf("ParseMessage() error = %v, want ErrNoHTMLBody", err)
			}
		})
	}
}

func TestParseMessage_Fallbacks(t *testing.T) {
	raw := crlf(`Date: not a date
Content-Type: text/html

<p>x</p>
`)

	msg, err := ParseMessage(raw, fixedNow)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.Sender != UnknownSender {
		t.Errorf("Sender = %q, want %q", msg.Sender, UnknownSender)
	}
	if msg.Date != "2024-09-01" {
		t.Errorf("Date = %q, want run date", msg.Date)
	}
	if msg.Subject != "" {
		t.Errorf("Subject = %q, want empty", msg.Subject)
	}
}

func TestHeaderSubject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"crlf terminated", "Subject: Hello\r\n", "Hello"},
		{"no terminator", "Subject: Hello", "Hello"},
		{"full block", "Subject: Hello\r\nFrom: a@b.c\r\n\r\n", "Hello"},
		{"encoded", "Subject: =?utf-8?q?Caf=C3=A9?=\r\n", "Café"},
		{"missing", "From: a@b.c\r\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HeaderSubject([]byte(tt.raw)); got != tt.want {
				t.Errorf("HeaderSubject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHeaderSender(t *testing.T) {
	tests := map[string]string{
		"From: Netlify <news@netlify.com>\r\n":       "Netlify",
		"From: news@netlify.com\r\nSubject: x\r\n":   "news@netlify.com",
		"From: =?utf-8?q?J=C3=BCrgen?= <j@x.de>\r\n": "Jürgen",
		"Subject: no sender\r\n":                     UnknownSender,
	}
	for raw, want := range tests {
		if got := HeaderSender([]byte(raw)); got != want {
			t.Errorf("HeaderSender(%q) = %q, want %q", raw, got, want)
		}
	}
}
