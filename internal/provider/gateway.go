package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	defaultGatewayTimeout      = 30 * time.Second
	defaultGatewayPollInterval = time.Second
	gatewayEventBuffer         = 16
	jidSuffix                  = "@s.whatsapp.net"
)

// Gateway session states as reported by GET /v1/session.
const (
	gatewayStateQR         = "qr"
	gatewayStateOpen       = "open"
	gatewayStateClose      = "close"
	gatewayStateConnecting = "connecting"
)

type sessionRequest struct {
	CredentialsDir string `json:"credentialsDir"`
}

type sessionStateResponse struct {
	State     string `json:"state"`
	QR        string `json:"qr,omitempty"`
	Reason    string `json:"reason,omitempty"`
	LoggedOut bool   `json:"loggedOut,omitempty"`
}

type contactCheckRequest struct {
	JID string `json:"jid"`
}

type contactCheckResponse struct {
	Exists bool `json:"exists"`
}

type textMessageRequest struct {
	JID  string `json:"jid"`
	Text string `json:"text"`
}

var _ Transport = (*GatewayTransport)(nil)

// GatewayTransport drives a chat session hosted by an HTTP gateway sidecar.
// Connectivity is observed by polling the gateway session state and turning
// state changes into Events.
type GatewayTransport struct {
	client       *resty.Client
	baseURL      string
	pollInterval time.Duration
	logger       *zap.Logger

	events    chan Event
	pollOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	mu        sync.Mutex
	lastState string
	lastQR    string
	opened    bool
}

func NewGatewayTransport(baseURL string, pollInterval time.Duration, logger *zap.Logger) (*GatewayTransport, error) {
	client := resty.New()
	client.SetTimeout(defaultGatewayTimeout)
	client.SetRetryCount(0)

	return NewGatewayTransportWithClient(baseURL, pollInterval, client, logger)
}

func NewGatewayTransportWithClient(baseURL string, pollInterval time.Duration, client *resty.Client, logger *zap.Logger) (*GatewayTransport, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("gateway url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if pollInterval <= 0 {
		pollInterval = defaultGatewayPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultGatewayTimeout)
	}
	client.SetRetryCount(0)

	return &GatewayTransport{
		client:       client,
		baseURL:      trimmed,
		pollInterval: pollInterval,
		logger:       logger,
		events:       make(chan Event, gatewayEventBuffer),
		done:         make(chan struct{}),
	}, nil
}

// Connect asks the gateway to open (or reopen) the session and starts the
// state poller on first use.
func (g *GatewayTransport) Connect(ctx context.Context, credentialsDir string) error {
	if g == nil || g.client == nil {
		return fmt.Errorf("gateway transport is not initialized")
	}

	response, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(sessionRequest{CredentialsDir: credentialsDir}).
		Post(g.baseURL + "/v1/session")
	if err := classifyResponse("open session", response, err); err != nil {
		return err
	}

	g.mu.Lock()
	g.lastState = ""
	g.lastQR = ""
	g.mu.Unlock()

	g.pollOnce.Do(func() {
		g.wg.Add(1)
		go g.poll()
	})
	return nil
}

func (g *GatewayTransport) Events() <-chan Event {
	return g.events
}

func (g *GatewayTransport) IsValidRecipient(ctx context.Context, number string) (bool, error) {
	var result contactCheckResponse
	response, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(contactCheckRequest{JID: toJID(number)}).
		SetResult(&result).
		Post(g.baseURL + "/v1/contacts/check")
	if err := classifyResponse("check recipient", response, err); err != nil {
		return false, err
	}
	return result.Exists, nil
}

func (g *GatewayTransport) Send(ctx context.Context, number string, msg Message) error {
	req := g.client.R().SetContext(ctx)

	if path := strings.TrimSpace(msg.AttachmentPath); path != "" {
		req = req.
			SetFormData(map[string]string{
				"jid":     toJID(number),
				"caption": msg.Text,
			}).
			SetFile("image", path)
	} else {
		req = req.
			SetHeader("Content-Type", "application/json").
			SetBody(textMessageRequest{JID: toJID(number), Text: msg.Text})
	}

	response, err := req.Post(g.baseURL + "/v1/messages")
	return classifyResponse("send message", response, err)
}

// Ping reports whether the gateway answers session state requests.
func (g *GatewayTransport) Ping(ctx context.Context) error {
	response, err := g.client.R().
		SetContext(ctx).
		Get(g.baseURL + "/v1/session")
	return classifyResponse("ping gateway", response, err)
}

func (g *GatewayTransport) Close() error {
	g.closeOnce.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
	return nil
}

func (g *GatewayTransport) poll() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	g.pollState()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.pollState()
		}
	}
}

func (g *GatewayTransport) pollState() {
	ctx, cancel := context.WithTimeout(context.Background(), g.pollInterval+defaultGatewayTimeout)
	defer cancel()

	var state sessionStateResponse
	response, err := g.client.R().
		SetContext(ctx).
		SetResult(&state).
		Get(g.baseURL + "/v1/session")
	if err := classifyResponse("read session state", response, err); err != nil {
		g.logger.Debug("gateway session state unavailable", zap.Error(err))
		state = sessionStateResponse{State: gatewayStateClose, Reason: "gateway unreachable"}
	}

	if event, ok := g.transition(state); ok {
		g.emit(event)
	}
}

// transition turns a polled state into an Event when it differs from the last one seen.
func (g *GatewayTransport) transition(state sessionStateResponse) (Event, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch strings.ToLower(strings.TrimSpace(state.State)) {
	case gatewayStateQR:
		if state.QR == "" || (g.lastState == gatewayStateQR && g.lastQR == state.QR) {
			return Event{}, false
		}
		g.lastState = gatewayStateQR
		g.lastQR = state.QR
		return Event{Type: EventQRChallenge, QRCode: state.QR}, true
	case gatewayStateOpen:
		if g.lastState == gatewayStateOpen {
			return Event{}, false
		}
		g.lastState = gatewayStateOpen
		g.lastQR = ""
		g.opened = true
		return Event{Type: EventConnected}, true
	case gatewayStateClose:
		if g.lastState == gatewayStateClose {
			return Event{}, false
		}
		// A session that never opened has nothing to report as lost, unless it
		// was logged out. Once opened, a close after a reconnect is reported.
		if g.lastState == "" && !g.opened && !state.LoggedOut {
			g.lastState = gatewayStateClose
			return Event{}, false
		}
		g.lastState = gatewayStateClose
		return Event{Type: EventDisconnected, Reason: state.Reason, LoggedOut: state.LoggedOut}, true
	default:
		g.lastState = gatewayStateConnecting
		return Event{}, false
	}
}

func (g *GatewayTransport) emit(event Event) {
	select {
	case g.events <- event:
	case <-g.done:
	}
}

func toJID(number string) string {
	return number + jidSuffix
}

func classifyResponse(op string, response *resty.Response, err error) error {
	if err != nil {
		return &TransportError{
			Kind:      KindUnavailable,
			Message:   op + " request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &TransportError{
			Kind:      KindUnavailable,
			Message:   op + ": gateway returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	body := strings.TrimSpace(response.String())
	message := fmt.Sprintf("%s: gateway returned status %d", op, statusCode)
	if body != "" {
		message = fmt.Sprintf("%s: %s", message, body)
	}

	return &TransportError{
		StatusCode: statusCode,
		Kind:       kindForStatus(statusCode),
		Message:    message,
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}
