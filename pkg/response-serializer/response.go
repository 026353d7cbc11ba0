package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

var delim = []byte("\r\n\r\n----\r\n\r\n")

// Hop-by-hop headers are meaningful for a single connection only and are
// never stored.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Credentials belong to one client and are never stored.
var (
	privateRequestHeaders  = []string{"Authorization", "Cookie", "Proxy-Authorization"}
	privateResponseHeaders = []string{"Set-Cookie", "Set-Cookie2"}
)

// StoredResponseToBytes serializes the response (and the request that
// produced it, if set) to its HTTP/1.1 wire form.
// The body is read fully and res.Body is replaced with an in-memory copy,
// so the caller can still return res to its client.
func StoredResponseToBytes(res *http.Response) ([]byte, error) {
	body, err := readBody(res)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	if req := res.Request; req != nil {
		reqCopy := &http.Request{
			Method:     req.Method,
			URL:        req.URL,
			Proto:      "HTTP/1.1",
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     req.Header.Clone(),
			Host:       req.Host,
		}
		if reqCopy.Header == nil {
			reqCopy.Header = make(http.Header)
		}
		for _, name := range privateRequestHeaders {
			reqCopy.Header.Del(name)
		}
		if err := reqCopy.Write(buf); err != nil {
			log.Warn().Err(err).Msg("Could not write request to bytes")
			buf.Reset()
		}
	} else {
		log.Trace().Msg("Request not set")
	}
	buf.Write(delim)

	stored := *res
	stored.Header = res.Header.Clone()
	if stored.Header == nil {
		stored.Header = make(http.Header)
	}
	for _, name := range hopByHopHeaders {
		stored.Header.Del(name)
	}
	for _, name := range privateResponseHeaders {
		stored.Header.Del(name)
	}
	stored.Body = io.NopCloser(bytes.NewReader(body))
	stored.ContentLength = int64(len(body))
	stored.TransferEncoding = nil
	stored.Trailer = nil
	stored.Close = false
	if stored.ProtoMajor == 0 {
		stored.Proto = "HTTP/1.1"
		stored.ProtoMajor = 1
		stored.ProtoMinor = 1
	}
	if err := stored.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse parses bytes written by StoredResponseToBytes.
// Every call returns a new response with its own body reader.
func BytesToStoredResponse(b []byte) (*http.Response, error) {
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return nil, fmt.Errorf("malformed stored response: delimiter not found")
	}
	var req *http.Request
	if len(reqBytes) > 0 {
		r, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
		if err != nil {
			log.Warn().Err(err).Bytes("bytes", reqBytes).Msg("Could not read request from stored response")
		} else {
			req = r
		}
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
	if err != nil {
		return nil, fmt.Errorf("read stored response: %w", err)
	}
	return res, nil
}

// readBody buffers the response body and sets res.Body back to a reader
// over the buffered bytes.
func readBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return body, nil
}
