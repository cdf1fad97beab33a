package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	maxErrorBodyBytes   = 64 << 10
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	contentTypeJSON     = "application/json"
)

var (
	// ErrUnauthorized is returned when the server rejects the credentials.
	ErrUnauthorized = errors.New("syncclient: unauthorized")
	// ErrNotFound is returned when a pushed update targets a record the server does not know.
	ErrNotFound = errors.New("syncclient: record not found")
	// ErrRejected is returned when the server refuses a malformed request.
	ErrRejected = errors.New("syncclient: request rejected")
	// ErrServer marks any other non-2xx response.
	ErrServer = errors.New("syncclient: server error")
)

// Transport carries the two halves of a sync cycle to the server.
type Transport interface {
	Pull(ctx context.Context, checkpoint *int64) (protocol.PullResponse, error)
	Push(ctx context.Context, request protocol.PushRequest) error
}

// HTTPTransportConfig configures the HTTP transport.
type HTTPTransportConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// HTTPTransport speaks the sync wire protocol over HTTP with a bearer token.
type HTTPTransport struct {
	baseURL *url.URL
	token   string
	client  *http.Client
}

// NewHTTPTransport validates the base URL and builds a transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	trimmed := strings.TrimSpace(cfg.BaseURL)
	if trimmed == "" {
		return nil, errors.New("syncclient: server url is required")
	}
	baseURL, err := url.Parse(strings.TrimRight(trimmed, "/"))
	if err != nil {
		return nil, fmt.Errorf("syncclient: invalid server url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("syncclient: unsupported server url scheme %q", baseURL.Scheme)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPTransport{baseURL: baseURL, token: cfg.Token, client: client}, nil
}

// Pull issues GET /sync/pull, omitting last_pulled_at before the first pull.
func (t *HTTPTransport) Pull(ctx context.Context, checkpoint *int64) (protocol.PullResponse, error) {
	endpoint := t.endpoint(protocol.PullPath)
	if checkpoint != nil {
		query := url.Values{}
		query.Set(protocol.LastPulledAtParam, strconv.FormatInt(*checkpoint, 10))
		endpoint.RawQuery = query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return protocol.PullResponse{}, err
	}

	var response protocol.PullResponse
	if err := t.do(request, &response); err != nil {
		return protocol.PullResponse{}, err
	}
	return response, nil
}

// Push issues POST /sync/push.
func (t *HTTPTransport) Push(ctx context.Context, pushRequest protocol.PushRequest) error {
	body, err := json.Marshal(pushRequest)
	if err != nil {
		return fmt.Errorf("syncclient: encode push: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(protocol.PushPath).String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set(headerContentType, contentTypeJSON)

	var response protocol.PushResponse
	if err := t.do(request, &response); err != nil {
		return err
	}
	if !response.OK {
		return fmt.Errorf("%w: push was not acknowledged", ErrServer)
	}
	return nil
}

func (t *HTTPTransport) endpoint(path string) *url.URL {
	endpoint := *t.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	return &endpoint
}

func (t *HTTPTransport) do(request *http.Request, target any) error {
	if t.token != "" {
		request.Header.Set(headerAuthorization, "Bearer "+t.token)
	}

	response, err := t.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			return fmt.Errorf("syncclient: decode response: %w", err)
		}
		return nil
	}

	var payload protocol.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	_ = json.Unmarshal(raw, &payload)

	switch response.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, payload.Error)
	case http.StatusConflict:
		return parseConflict(payload.Error)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrRejected, payload.Error)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrServer, response.StatusCode, payload.Error)
	}
}

// parseConflict recovers kind and id from "Conflict on <kind> record <id>".
func parseConflict(message string) error {
	const prefix = "Conflict on "
	const separator = " record "
	conflict := &protocol.ConflictError{}
	if rest, ok := strings.CutPrefix(message, prefix); ok {
		if kind, id, found := strings.Cut(rest, separator); found {
			conflict.Kind = kind
			conflict.ID = id
		}
	}
	return conflict
}
