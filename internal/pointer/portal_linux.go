//go:build linux

package pointer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

const (
	portalBusName      = "org.freedesktop.portal.Desktop"
	portalObjectPath   = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	remoteDesktopIface = "org.freedesktop.portal.RemoteDesktop"
	requestIface       = "org.freedesktop.portal.Request"
	sessionIface       = "org.freedesktop.portal.Session"

	deviceTypePointer = uint32(2)

	// Distance used to pin the pointer to the top-left corner before the
	// first relative motion, since the portal has no absolute positioning
	// without a screencast stream.
	homingDistance = 1 << 15
)

var tokenCounter atomic.Uint64

// Portal injects pointer actions through an xdg-desktop-portal
// RemoteDesktop session. Works on Wayland compositors that implement the
// portal; the user is asked to approve the session once at startup.
type Portal struct {
	mu      sync.Mutex
	conn    *dbus.Conn
	session dbus.ObjectPath
	signals chan *dbus.Signal
	last    Point
	homed   bool
	closed  bool
}

// PortalAvailable reports whether a desktop portal is running on the
// session bus.
func PortalAvailable() (bool, string) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return false, fmt.Sprintf("no session bus: %v", err)
	}
	defer conn.Close()

	var owned bool
	err = conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, portalBusName).Store(&owned)
	if err != nil {
		return false, fmt.Sprintf("query %s: %v", portalBusName, err)
	}
	if !owned {
		return false, "xdg-desktop-portal is not running"
	}
	return true, "portal available"
}

// OpenPortal creates and starts a RemoteDesktop session for pointer
// devices. ctx bounds the whole handshake, including user approval.
func OpenPortal(ctx context.Context) (*Portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: session bus: %v", ErrUnavailable, err)
	}

	p := &Portal{
		conn:    conn,
		signals: make(chan *dbus.Signal, 16),
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("portal: subscribe to responses: %w", err)
	}
	conn.Signal(p.signals)

	if err := p.start(ctx); err != nil {
		conn.RemoveSignal(p.signals)
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *Portal) start(ctx context.Context) error {
	results, err := p.request(ctx, remoteDesktopIface+".CreateSession", map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(newToken()),
		"session_handle_token": dbus.MakeVariant(newToken()),
	})
	if err != nil {
		return fmt.Errorf("portal: create session: %w", err)
	}

	v, ok := results["session_handle"]
	if !ok {
		return errors.New("portal: create session: no session handle in response")
	}
	switch h := v.Value().(type) {
	case string:
		p.session = dbus.ObjectPath(h)
	case dbus.ObjectPath:
		p.session = h
	default:
		return fmt.Errorf("portal: create session: unexpected handle type %T", h)
	}

	if _, err := p.request(ctx, remoteDesktopIface+".SelectDevices", p.session, map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(newToken()),
		"types":        dbus.MakeVariant(deviceTypePointer),
	}); err != nil {
		return fmt.Errorf("portal: select devices: %w", err)
	}

	results, err = p.request(ctx, remoteDesktopIface+".Start", p.session, "", map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(newToken()),
	})
	if err != nil {
		return fmt.Errorf("portal: start: %w", err)
	}
	if v, ok := results["devices"]; ok {
		if devices, ok := v.Value().(uint32); ok && devices&deviceTypePointer == 0 {
			return fmt.Errorf("%w: portal did not grant pointer access", ErrUnavailable)
		}
	}
	return nil
}

// request calls a portal method that returns a Request handle and waits
// for the matching Response signal.
func (p *Portal) request(ctx context.Context, method string, args ...any) (map[string]dbus.Variant, error) {
	obj := p.conn.Object(portalBusName, portalObjectPath)

	var handle dbus.ObjectPath
	if err := obj.CallWithContext(ctx, method, 0, args...).Store(&handle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for {
		select {
		case sig, ok := <-p.signals:
			if !ok {
				return nil, ErrClosed
			}
			if sig.Path != handle || len(sig.Body) < 2 {
				continue
			}
			code, _ := sig.Body[0].(uint32)
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			switch code {
			case 0:
				return results, nil
			case 1:
				return nil, errors.New("request cancelled by user")
			default:
				return nil, fmt.Errorf("request failed (response %d)", code)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Inject delivers batch as a sequence of portal notifications. Absolute
// moves are converted to relative motion from the last known position.
func (p *Portal) Inject(ctx context.Context, batch []Action) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrClosed
	}

	for i, a := range batch {
		var err error
		switch a.Kind {
		case Move:
			err = p.moveTo(ctx, Point{X: a.X, Y: a.Y})
		case ButtonDown:
			err = p.button(ctx, a.Button, 1)
		case ButtonUp:
			err = p.button(ctx, a.Button, 0)
		default:
			err = fmt.Errorf("unsupported action %s", a)
		}
		if err != nil {
			return i, fmt.Errorf("portal: %s: %w", a, err)
		}
	}
	return len(batch), nil
}

func (p *Portal) moveTo(ctx context.Context, target Point) error {
	if !p.homed {
		if err := p.motion(ctx, -homingDistance, -homingDistance); err != nil {
			return err
		}
		p.last = Point{}
		p.homed = true
	}
	dx, dy := target.X-p.last.X, target.Y-p.last.Y
	if dx == 0 && dy == 0 {
		return nil
	}
	if err := p.motion(ctx, dx, dy); err != nil {
		return err
	}
	p.last = target
	return nil
}

func (p *Portal) motion(ctx context.Context, dx, dy int) error {
	obj := p.conn.Object(portalBusName, portalObjectPath)
	return obj.CallWithContext(ctx, remoteDesktopIface+".NotifyPointerMotion", 0,
		p.session, map[string]dbus.Variant{}, float64(dx), float64(dy)).Err
}

func (p *Portal) button(ctx context.Context, b Button, state uint32) error {
	obj := p.conn.Object(portalBusName, portalObjectPath)
	return obj.CallWithContext(ctx, remoteDesktopIface+".NotifyPointerButton", 0,
		p.session, map[string]dbus.Variant{}, int32(buttonCode(b)), state).Err
}

// Close ends the RemoteDesktop session and the bus connection.
func (p *Portal) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var sessionErr error
	if p.session != "" {
		sessionErr = p.conn.Object(portalBusName, p.session).Call(sessionIface+".Close", 0).Err
	}
	p.conn.RemoveSignal(p.signals)
	return errors.Join(sessionErr, p.conn.Close())
}

// Name returns "portal".
func (p *Portal) Name() string { return "portal" }

func newToken() string {
	return fmt.Sprintf("gestured%d", tokenCounter.Add(1))
}
