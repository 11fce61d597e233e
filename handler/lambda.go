package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
)

// FunctionURLHandler adapts an http.Handler to a Lambda Function URL with
// response streaming, so SSE frames reach the client as they are written.
type FunctionURLHandler struct {
	next http.Handler
}

func NewFunctionURLHandler(next http.Handler) (*FunctionURLHandler, error) {
	if next == nil {
		return nil, errors.New("handler: http handler is required")
	}
	return &FunctionURLHandler{next: next}, nil
}

// Handle runs the wrapped handler in its own goroutine and returns as soon as
// the status line is known; the body keeps streaming through a pipe until
// the handler returns.
func (f *FunctionURLHandler) Handle(ctx context.Context, req *events.LambdaFunctionURLRequest) (*events.LambdaFunctionURLStreamingResponse, error) {
	httpReq, err := toHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	w := newPipeWriter(pw)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				w.commit(http.StatusInternalServerError)
				pw.CloseWithError(fmt.Errorf("handler: panic: %v", p))
				return
			}
			w.commit(http.StatusOK)
			pw.Close()
		}()
		f.next.ServeHTTP(w, httpReq)
	}()

	select {
	case <-w.ready:
	case <-ctx.Done():
		pr.CloseWithError(ctx.Err())
		return nil, ctx.Err()
	}

	headers := make(map[string]string, len(w.snapshot))
	var cookies []string
	for k, vs := range w.snapshot {
		if strings.EqualFold(k, "Set-Cookie") {
			cookies = append(cookies, vs...)
			continue
		}
		headers[k] = strings.Join(vs, ", ")
	}
	return &events.LambdaFunctionURLStreamingResponse{
		StatusCode: w.status,
		Headers:    headers,
		Body:       pr,
		Cookies:    cookies,
	}, nil
}

func toHTTPRequest(ctx context.Context, req *events.LambdaFunctionURLRequest) (*http.Request, error) {
	if req == nil {
		return nil, errors.New("handler: nil function url request")
	}
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, fmt.Errorf("handler: decode body: %w", err)
		}
		body = decoded
	}

	path := req.RawPath
	if path == "" {
		path = "/"
	}
	url := "https://" + req.RequestContext.DomainName + path
	if req.RawQueryString != "" {
		url += "?" + req.RawQueryString
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.RequestContext.HTTP.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("handler: build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for _, c := range req.Cookies {
		httpReq.Header.Add("Cookie", c)
	}
	httpReq.RemoteAddr = req.RequestContext.HTTP.SourceIP
	return httpReq, nil
}

// pipeWriter is an http.ResponseWriter whose body is an io.Pipe. Headers are
// frozen at the first WriteHeader or Write.
type pipeWriter struct {
	header   http.Header
	body     *io.PipeWriter
	once     sync.Once
	ready    chan struct{}
	status   int
	snapshot http.Header
}

func newPipeWriter(body *io.PipeWriter) *pipeWriter {
	return &pipeWriter{header: http.Header{}, body: body, ready: make(chan struct{})}
}

func (p *pipeWriter) Header() http.Header {
	return p.header
}

func (p *pipeWriter) WriteHeader(code int) {
	p.commit(code)
}

func (p *pipeWriter) Write(b []byte) (int, error) {
	p.commit(http.StatusOK)
	return p.body.Write(b)
}

// Flush is a no-op: pipe writes block until the runtime reads them.
func (p *pipeWriter) Flush() {}

func (p *pipeWriter) commit(code int) {
	p.once.Do(func() {
		p.status = code
		p.snapshot = p.header.Clone()
		close(p.ready)
	})
}
