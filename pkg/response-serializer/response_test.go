package serializer

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestResponseToBytesBodyIntact(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := StoredResponseToBytes(res); err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestStoredResponseRoundTrip(t *testing.T) {
	req, _ := http.NewRequest("GET", "https://turbopush.example/features", nil)
	res := &http.Response{
		StatusCode:    201,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader("hello")),
		ContentLength: -1,
		Request:       req,
	}
	res.Header.Add("Test", "-ing")
	res.Header.Add("Connection", "keep-alive")
	res.Header.Add("Keep-Alive", "timeout=5")

	bts, err := StoredResponseToBytes(res)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	// the live response keeps its hop-by-hop headers
	if res.Header.Get("Connection") != "keep-alive" {
		t.Fatalf("Live response header modified: %+v", res.Header)
	}

	for i := 0; i < 2; i++ {
		res2, err := BytesToStoredResponse(bts)
		if err != nil {
			t.Fatalf("Error creating response: %+v", err)
		}
		if res2.StatusCode != 201 {
			t.Fatalf("Status is %d", res2.StatusCode)
		}
		if res2.Header.Get("Test") != "-ing" {
			t.Fatalf("Test header wrong %+v", res2.Header)
		}
		if res2.Header.Get("Connection") != "" || res2.Header.Get("Keep-Alive") != "" {
			t.Fatalf("Hop-by-hop headers stored %+v", res2.Header)
		}
		body, _ := io.ReadAll(res2.Body)
		if string(body) != "hello" {
			t.Fatalf("Body: %s", body)
		}
		if res2.Request == nil || res2.Request.URL.Path != "/features" {
			t.Fatalf("Request not restored: %+v", res2.Request)
		}
	}
}

func TestStoredResponseWithoutRequest(t *testing.T) {
	res := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/css"}},
		Body:       io.NopCloser(strings.NewReader("body{}")),
	}
	bts, err := StoredResponseToBytes(res)
	if err != nil {
		t.Fatal(err)
	}
	res2, err := BytesToStoredResponse(bts)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Request != nil {
		t.Fatalf("Unexpected request %+v", res2.Request)
	}
	if res2.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("Header %+v", res2.Header)
	}
}

func TestMalformedBytes(t *testing.T) {
	if _, err := BytesToStoredResponse([]byte("HTTP/1.1 200 OK\r\n\r\n")); err == nil {
		t.Fatal("Expected error")
	}
}

func TestStoredResponseDropsCredentials(t *testing.T) {
	req, _ := http.NewRequest("GET", "https://turbopush.example/app.css", nil)
	req.Header.Set("Cookie", "session=alice")
	req.Header.Set("Authorization", "Bearer alice")
	req.Header.Set("Accept", "text/css")
	res := &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("body{}")),
		Request:    req,
	}
	res.Header.Add("Set-Cookie", "session=alice")
	res.Header.Add("Content-Type", "text/css")

	bts, err := StoredResponseToBytes(res)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	if res.Header.Get("Set-Cookie") != "session=alice" {
		t.Fatalf("Live response header modified: %+v", res.Header)
	}
	if strings.Contains(string(bts), "alice") {
		t.Fatalf("Credentials stored: %s", bts)
	}

	res2, err := BytesToStoredResponse(bts)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	if res2.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("Content-Type lost: %+v", res2.Header)
	}
	if res2.Request == nil || res2.Request.Header.Get("Accept") != "text/css" {
		t.Fatalf("Request not restored: %+v", res2.Request)
	}
}
