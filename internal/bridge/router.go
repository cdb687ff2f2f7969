package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/tidwall/gjson"

	"github.com/bloom-nucleus/synapse/internal/browser"
	"github.com/bloom-nucleus/synapse/internal/constants"
	"github.com/bloom-nucleus/synapse/internal/protocol"
)

// Actuators relays commands to page-level actuators. target is "active"
// or an explicit tab or actuator id; the reply is returned unchanged.
type Actuators interface {
	Forward(ctx context.Context, target string, msg []byte) (json.RawMessage, error)
}

// ErrNoActuators is returned when actuator commands arrive but no hub is
// configured.
var ErrNoActuators = errors.New("bridge: no actuator hub configured")

// Router executes inbound host commands. Page and window operations run
// against the local browser model; DOM and UI-lock commands go to an
// actuator. Handle always produces a payload, so every request id gets
// exactly one RESPONSE.
type Router struct {
	pages        *browser.Browser
	actuators    Actuators
	replyTimeout time.Duration
}

// NewRouter wires a router. Either dependency may be nil; commands needing
// it are answered with an error payload.
func NewRouter(pages *browser.Browser, actuators Actuators) *Router {
	return &Router{
		pages:        pages,
		actuators:    actuators,
		replyTimeout: constants.ActuatorReplyTimeout,
	}
}

// Handles reports whether kind is routed here.
func (r *Router) Handles(kind protocol.Kind) bool {
	return kind.IsLocal() || kind.IsActuator()
}

// Handle executes msg and returns the RESPONSE payload. Executor panics are
// converted to error payloads.
func (r *Router) Handle(ctx context.Context, msg protocol.Message) any {
	var (
		payload any
		pc      panics.Catcher
	)
	pc.Try(func() {
		payload = r.execute(ctx, msg)
	})
	if rec := pc.Recovered(); rec != nil {
		log.Printf("[Router] %s %s panicked: %v", msg.Kind, msg.ID, rec.Value)
		return errorPayload(fmt.Errorf("%s failed: %w", msg.Kind, rec.AsError()))
	}
	return payload
}

func (r *Router) execute(ctx context.Context, msg protocol.Message) any {
	if msg.Kind.IsActuator() {
		return r.forward(ctx, msg)
	}
	if !msg.Kind.IsLocal() {
		return errorPayload(&ProtocolError{Kind: msg.Kind, ID: msg.ID, Reason: "unknown command"})
	}
	if r.pages == nil {
		return errorPayload(fmt.Errorf("%s: no page model configured", msg.Kind))
	}

	result, err := r.local(ctx, msg)
	if err != nil {
		return errorPayload(err)
	}
	result["success"] = true
	return result
}

func (r *Router) local(ctx context.Context, msg protocol.Message) (map[string]any, error) {
	switch msg.Kind {
	case protocol.KindTabOpen:
		tab, err := r.pages.Open(browser.OpenOptions{
			URL:       msg.Field("url").String(),
			WindowID:  int(msg.Field("windowId").Int()),
			Active:    !msg.Field("active").Exists() || msg.Field("active").Bool(),
			NewWindow: msg.Field("newWindow").Bool(),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"tab": tab}, nil

	case protocol.KindTabClose:
		id, err := r.tabID(msg)
		if err != nil {
			return nil, err
		}
		if err := r.pages.Close(id); err != nil {
			return nil, err
		}
		return map[string]any{"tabId": id}, nil

	case protocol.KindTabNavigate:
		id, err := r.tabID(msg)
		if err != nil {
			return nil, err
		}
		tab, err := r.pages.Navigate(id, msg.Field("url").String())
		if err != nil {
			return nil, err
		}
		return map[string]any{"tab": tab}, nil

	case protocol.KindTabQuery:
		q := browser.Query{
			WindowID: int(msg.Field("windowId").Int()),
			URL:      msg.Field("url").String(),
			Title:    msg.Field("title").String(),
		}
		if v := msg.Field("active"); v.Exists() {
			active := v.Bool()
			q.Active = &active
		}
		return map[string]any{"tabs": r.pages.Query(q)}, nil

	case protocol.KindTabExecute:
		id, err := r.tabID(msg)
		if err != nil {
			return nil, err
		}
		script := msg.Field("script").String()
		if script == "" {
			script = msg.Field("code").String()
		}
		if script == "" {
			return nil, errors.New("TAB_EXECUTE: missing script")
		}
		result, err := r.pages.Execute(ctx, id, script, msg.Field("args").Value())
		if err != nil {
			return nil, err
		}
		return map[string]any{"tabId": id, "result": result}, nil

	case protocol.KindWindowClose:
		wid, err := r.windowID(msg)
		if err != nil {
			return nil, err
		}
		if err := r.pages.CloseWindow(wid); err != nil {
			return nil, err
		}
		return map[string]any{"windowId": wid}, nil

	case protocol.KindWindowNavigate:
		wid, err := r.windowID(msg)
		if err != nil {
			return nil, err
		}
		tab, err := r.pages.NavigateWindow(wid, msg.Field("url").String())
		if err != nil {
			return nil, err
		}
		return map[string]any{"windowId": wid, "tab": tab}, nil
	}
	return nil, &ProtocolError{Kind: msg.Kind, ID: msg.ID, Reason: "unknown command"}
}

func (r *Router) forward(ctx context.Context, msg protocol.Message) any {
	if r.actuators == nil {
		return errorPayload(ErrNoActuators)
	}
	ctx, cancel := context.WithTimeout(ctx, r.replyTimeout)
	defer cancel()

	target := msg.Target
	if target == "" {
		target = browser.TargetActive
	}
	reply, err := r.actuators.Forward(ctx, target, msg.Raw)
	if err != nil {
		return errorPayload(fmt.Errorf("%s: %w", msg.Kind, err))
	}
	return reply
}

func (r *Router) tabID(msg protocol.Message) (int, error) {
	if v := msg.Field("tabId"); v.Exists() && v.Type == gjson.Number {
		return int(v.Int()), nil
	}
	return r.pages.ResolveTarget(msg.Target)
}

func (r *Router) windowID(msg protocol.Message) (int, error) {
	if v := msg.Field("windowId"); v.Exists() && v.Type == gjson.Number {
		return int(v.Int()), nil
	}
	id, err := r.pages.ResolveTarget(msg.Target)
	if err != nil {
		return 0, err
	}
	tab, err := r.pages.Tab(id)
	if err != nil {
		return 0, err
	}
	return tab.WindowID, nil
}

func errorPayload(err error) protocol.ErrorPayload {
	return protocol.ErrorPayload{Success: false, Error: err.Error()}
}
