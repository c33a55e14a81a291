// Package vici is the control channel to the IPsec engine.
//
// It owns the operation set the daemon needs (key/connection loading,
// connection listing, lifecycle event subscription) on top of the
// govici transport, and decodes raw engine events into tagged variants
// exactly once at the channel boundary.
package vici

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gvici "github.com/strongswan/govici/vici"
)

// ErrChannel indicates the control channel is unreachable or failed
// mid-session. During initial connect this is an expected transient
// (the engine creates its socket asynchronously after process start);
// after that it is fatal to the supervisor that owns the channel.
var ErrChannel = errors.New("control channel")

// Channel is a connected control channel. It is a process-wide
// singleton owned by the IPsec supervisor.
type Channel struct {
	sess *gvici.Session
	log  *slog.Logger
}

// Connect makes a single connection attempt to the engine's control
// socket. Retry policy belongs to the caller.
func Connect(socketPath string, log *slog.Logger) (*Channel, error) {
	sess, err := gvici.NewSession(gvici.WithSocketPath(socketPath))
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrChannel, socketPath, err)
	}
	return &Channel{
		sess: sess,
		log:  log.With("component", "vici"),
	}, nil
}

// Close terminates the channel.
func (c *Channel) Close() error {
	return c.sess.Close()
}

// -------------------------------------------------------------------------
// Commands
// -------------------------------------------------------------------------

// LoadKey hands the engine a private key in PEM form.
func (c *Channel) LoadKey(pem string) error {
	msg := gvici.NewMessage()
	if err := msg.Set("type", "any"); err != nil {
		return fmt.Errorf("%w: load-key: %v", ErrChannel, err)
	}
	if err := msg.Set("data", pem); err != nil {
		return fmt.Errorf("%w: load-key: %v", ErrChannel, err)
	}

	resp, err := c.sess.CommandRequest("load-key", msg)
	if err != nil {
		return fmt.Errorf("%w: load-key: %v", ErrChannel, err)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%w: load-key rejected: %v", ErrChannel, err)
	}
	return nil
}

// LoadConns pushes every connection definition in the map, keyed by
// connection name.
func (c *Channel) LoadConns(conns map[string]Connection) error {
	for name, conn := range conns {
		inner, err := gvici.MarshalMessage(conn)
		if err != nil {
			return fmt.Errorf("%w: marshal connection %s: %v", ErrChannel, name, err)
		}
		msg := gvici.NewMessage()
		if err := msg.Set(name, inner); err != nil {
			return fmt.Errorf("%w: load-conn %s: %v", ErrChannel, name, err)
		}

		resp, err := c.sess.CommandRequest("load-conn", msg)
		if err != nil {
			return fmt.Errorf("%w: load-conn %s: %v", ErrChannel, name, err)
		}
		if err := resp.Err(); err != nil {
			return fmt.Errorf("%w: load-conn %s rejected: %v", ErrChannel, name, err)
		}
	}
	return nil
}

// UnloadConn removes a loaded connection definition by name.
func (c *Channel) UnloadConn(name string) error {
	msg := gvici.NewMessage()
	if err := msg.Set("name", name); err != nil {
		return fmt.Errorf("%w: unload-conn %s: %v", ErrChannel, name, err)
	}

	resp, err := c.sess.CommandRequest("unload-conn", msg)
	if err != nil {
		return fmt.Errorf("%w: unload-conn %s: %v", ErrChannel, name, err)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%w: unload-conn %s rejected: %v", ErrChannel, name, err)
	}
	return nil
}

// ListConnNames returns the names of every loaded connection.
func (c *Channel) ListConnNames() ([]string, error) {
	msgs, err := c.sess.StreamedCommandRequest("list-conns", "list-conn", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: list-conns: %v", ErrChannel, err)
	}

	var names []string
	for _, m := range msgs {
		names = append(names, m.Keys()...)
	}
	return names, nil
}

// ListSANames returns the connection names with an active IKE SA.
func (c *Channel) ListSANames() ([]string, error) {
	msgs, err := c.sess.StreamedCommandRequest("list-sas", "list-sa", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: list-sas: %v", ErrChannel, err)
	}

	var names []string
	for _, m := range msgs {
		names = append(names, m.Keys()...)
	}
	return names, nil
}

// Initiate starts negotiation of a loaded connection's default child
// without waiting for completion.
func (c *Channel) Initiate(name string) error {
	msg := gvici.NewMessage()
	for k, v := range map[string]string{
		"child":       childName,
		"ike":         name,
		"timeout":     "-1",
		"init-limits": "no",
	} {
		if err := msg.Set(k, v); err != nil {
			return fmt.Errorf("%w: initiate %s: %v", ErrChannel, name, err)
		}
	}

	resp, err := c.sess.CommandRequest("initiate", msg)
	if err != nil {
		return fmt.Errorf("%w: initiate %s: %v", ErrChannel, name, err)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%w: initiate %s rejected: %v", ErrChannel, name, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Event subscription
// -------------------------------------------------------------------------

// eventQueue sizes the buffer between the session's event dispatcher
// and the decode loop. The session does not block on slow receivers,
// so the buffer has to absorb a burst of events while a decoded
// variant waits on the out channel.
const eventQueue = 64

// Listen subscribes to engine lifecycle events and forwards decoded
// variants into out until ctx is done. It never handles events itself:
// decoding happens here, handling happens on the receiver's goroutine.
//
// A broken event transport goes quiet here rather than erroring; the
// owning supervisor's periodic commands hit the same socket and
// surface the failure as ErrChannel.
func (c *Channel) Listen(ctx context.Context, out chan<- Event) error {
	if err := c.sess.Subscribe(eventIKEUpdown); err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrChannel, err)
	}

	raws := make(chan gvici.Event, eventQueue)
	c.sess.NotifyEvents(raws)
	defer c.sess.StopEvents(raws)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-raws:
			for _, ev := range decodeEvent(raw.Name, raw.Message) {
				if _, ok := ev.(Unknown); ok {
					// Surfacing instead of dropping keeps new engine event
					// kinds visible in the logs.
					c.log.Warn("unknown control channel event", "event", raw.Name)
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
