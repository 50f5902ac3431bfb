package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/surge-downloader/filetransfer/internal/download"
	"github.com/surge-downloader/filetransfer/internal/engine/events"
	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

// APIPrefix is where the control API mounts its transfer routes.
const APIPrefix = "/api/v1"

// RemoteTransferService implements TransferService for a running server.
type RemoteTransferService struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Dialer  *websocket.Dialer
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRemoteTransferService creates a new remote service instance.
func NewRemoteTransferService(baseURL string, token string) *RemoteTransferService {
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteTransferService{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 30 * time.Second},
		Dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// apiError is the JSON body the server sends with a 4xx/5xx status.
type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *RemoteTransferService) doRequest(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(s.ctx, method, s.BaseURL+APIPrefix+path, bodyReader)
	if err != nil {
		return nil, err
	}

	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		// Limit error body read to 1KB
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var apiErr apiError
		if json.Unmarshal(bodyBytes, &apiErr) == nil && apiErr.Error != "" {
			kind := types.ParseErrorKind(apiErr.Kind)
			if kind == types.KindUnknown && resp.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, apiErr.Error)
			}
			return nil, &types.TransferError{Kind: kind, Message: apiErr.Error, StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return resp, nil
}

func (s *RemoteTransferService) List() ([]download.Info, error) {
	resp, err := s.doRequest(http.MethodGet, "/transfers", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var infos []download.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (s *RemoteTransferService) GetStatus(id string) (*download.Info, error) {
	resp, err := s.doRequest(http.MethodGet, "/transfers/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var info download.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *RemoteTransferService) Add(req AddRequest) (string, error) {
	resp, err := s.doRequest(http.MethodPost, "/transfers", req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result["id"], nil
}

func (s *RemoteTransferService) action(id, verb string) error {
	resp, err := s.doRequest(http.MethodPost, "/transfers/"+url.PathEscape(id)+"/"+verb, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (s *RemoteTransferService) Pause(id string) error  { return s.action(id, "pause") }
func (s *RemoteTransferService) Resume(id string) error { return s.action(id, "resume") }
func (s *RemoteTransferService) Cancel(id string) error { return s.action(id, "cancel") }

func (s *RemoteTransferService) Delete(id string) error {
	resp, err := s.doRequest(http.MethodDelete, "/transfers/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Shutdown stops the event stream; the server keeps running.
func (s *RemoteTransferService) Shutdown() error {
	s.cancel()
	return nil
}

// StreamEvents returns a channel of events read from the server's websocket,
// reconnecting with backoff until ctx ends or the service shuts down.
func (s *RemoteTransferService) StreamEvents(ctx context.Context) (<-chan any, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan any, eventBuffer)
	go s.streamWithReconnect(ctx, ch)
	return ch, cancel, nil
}

func (s *RemoteTransferService) streamWithReconnect(ctx context.Context, ch chan any) {
	defer close(ch)
	backoff := 1 * time.Second
	for {
		err := s.connectEvents(ctx, ch)
		if err == nil {
			return
		}
		utils.Debug("event stream: %v", err)

		select {
		case <-s.ctx.Done():
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *RemoteTransferService) eventsURL() (string, error) {
	u, err := url.Parse(s.BaseURL + APIPrefix + "/events")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// connectEvents reads envelopes until the connection drops. A nil return
// means the caller asked to stop.
func (s *RemoteTransferService) connectEvents(ctx context.Context, ch chan any) error {
	target, err := s.eventsURL()
	if err != nil {
		return err
	}

	header := http.Header{}
	if s.Token != "" {
		header.Set("Authorization", "Bearer "+s.Token)
	}
	conn, resp, err := s.Dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to event stream: %s", resp.Status)
		}
		return err
	}
	defer func() { _ = conn.Close() }()

	// Unblock ReadJSON when we are asked to stop.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		case <-stop:
			return
		}
		_ = conn.Close()
	}()

	for {
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil || s.ctx.Err() != nil {
				return nil
			}
			return err
		}

		msg, err := events.Decode(env)
		if err != nil {
			continue
		}

		// Non-blocking send
		select {
		case ch <- msg:
		default:
		}
	}
}
