package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/bloom-nucleus/synapse/internal/protocol"
)

const (
	websocketHandshakeTimeout = 10 * time.Second
	websocketWriteTimeout     = 5 * time.Second
	commandBuffer             = 32
)

// Command is a host command relayed to an actuator. ID is the host's
// request id; RelayID correlates the reply inside the daemon.
type Command struct {
	ID      string
	RelayID string
	Kind    protocol.Kind
	Raw     json.RawMessage
}

// ActuatorOptions describe the page an actuator speaks for.
type ActuatorOptions struct {
	TabID  int
	URL    string
	Origin string
}

// Actuator is a page-level websocket connection to the daemon. It is used
// by the CLI to stand in for a browser page.
type Actuator struct {
	conn *websocket.Conn
	id   string

	writeMu   sync.Mutex
	commands  chan Command
	errCh     chan error
	done      chan struct{}
	closeOnce sync.Once
}

// DialActuator connects to the daemon's actuator endpoint and waits for
// the ACTUATOR_HELLO greeting.
func DialActuator(ctx context.Context, baseURL string, opts ActuatorOptions) (*Actuator, error) {
	target, err := makeActuatorURL(baseURL, opts)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: websocketHandshakeTimeout,
	}
	header := http.Header{}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}
	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_, hello, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read actuator hello: %w", err)
	}
	id := gjson.GetBytes(hello, "actuator_id").String()
	if protocol.ParseKind(gjson.GetBytes(hello, "type").String()) != "ACTUATOR_HELLO" || id == "" {
		conn.Close()
		return nil, fmt.Errorf("unexpected actuator greeting: %s", hello)
	}

	a := &Actuator{
		conn:     conn,
		id:       id,
		commands: make(chan Command, commandBuffer),
		errCh:    make(chan error, 1),
		done:     make(chan struct{}),
	}
	go a.readLoop()
	return a, nil
}

// ID returns the id the daemon assigned to this actuator.
func (a *Actuator) ID() string {
	return a.id
}

// Commands delivers relayed host commands. The channel closes when the
// connection ends.
func (a *Actuator) Commands() <-chan Command {
	return a.commands
}

// Err reports the error that ended the connection, if any.
func (a *Actuator) Err() <-chan error {
	return a.errCh
}

// Reply answers a relayed command.
func (a *Actuator) Reply(cmd Command, payload any) error {
	msg := map[string]any{
		"type":     protocol.KindResponse,
		"relay_id": cmd.RelayID,
		"payload":  payload,
	}
	if id := gjson.GetBytes(cmd.Raw, "id"); id.Exists() {
		msg["id"] = json.RawMessage(id.Raw)
	}
	return a.writeJSON(msg)
}

// SendEvent raises a page event towards the host.
func (a *Actuator) SendEvent(event json.RawMessage) error {
	if !gjson.GetBytes(event, "event").Exists() {
		return errors.New("actuator event needs an event field")
	}
	return a.writeRaw(event)
}

// Close shuts the connection down with a normal closure.
func (a *Actuator) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	a.writeMu.Lock()
	_ = a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(websocketWriteTimeout))
	a.writeMu.Unlock()
	return a.conn.Close()
}

func (a *Actuator) writeJSON(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return a.writeRaw(raw)
}

func (a *Actuator) writeRaw(raw []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
	return a.conn.WriteMessage(websocket.TextMessage, raw)
}

func (a *Actuator) readLoop() {
	defer close(a.commands)
	defer close(a.errCh)

	for {
		_, payload, err := a.conn.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				a.errCh <- err
			}
			return
		}
		if !gjson.ValidBytes(payload) {
			continue
		}
		root := gjson.ParseBytes(payload)
		cmd := Command{
			ID:      root.Get("id").String(),
			RelayID: root.Get("relay_id").String(),
			Kind:    protocol.ParseKind(root.Get("type").String()),
			Raw:     json.RawMessage(payload),
		}
		select {
		case a.commands <- cmd:
		case <-a.done:
			return
		}
	}
}

func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return false
}

func makeActuatorURL(base string, opts ActuatorOptions) (string, error) {
	base = strings.TrimSpace(base)
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/actuator"
	query := u.Query()
	if opts.TabID > 0 {
		query.Set("tab_id", strconv.Itoa(opts.TabID))
	}
	if opts.URL != "" {
		query.Set("url", opts.URL)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}
