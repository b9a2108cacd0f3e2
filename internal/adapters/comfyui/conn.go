package comfyui

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manthysbr/comfylink/internal/core/domain"
)

// connectLoop owns the streaming connection: dial, read until the socket
// drops, wait the fixed reconnect delay, repeat.
func (c *Client) connectLoop(ctx context.Context) {
	failures := 0
	for {
		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			c.setState(domain.ConnStateClosed)
			return
		}
		if connected {
			failures = 0
		} else {
			failures++
		}

		if c.opts.MaxReconnects > 0 && failures > c.opts.MaxReconnects {
			connErr := &domain.ConnectionError{Attempts: failures, Err: err}
			c.logger.Error("giving up on connection", "error", connErr)
			c.mu.Lock()
			c.connErr = connErr
			c.mu.Unlock()
			c.setState(domain.ConnStateClosed)
			c.failAll(connErr)
			return
		}

		c.setState(domain.ConnStateReconnecting)
		timer := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(domain.ConnStateClosed)
			return
		case <-timer.C:
		}
		c.logger.Info("reconnecting", "url", c.wsURL)
	}
}

// connectOnce dials and reads until the connection ends. connected reports
// whether the dial succeeded; err is why the attempt ended.
func (c *Client) connectOnce(ctx context.Context) (connected bool, err error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		c.logger.Warn("websocket dial failed", "url", c.wsURL, "error", err)
		return false, err
	}
	if !c.attach(conn) {
		_ = conn.Close()
		return false, domain.ErrClientClosed
	}
	c.setState(domain.ConnStateConnected)
	c.logger.Info("websocket connected", "url", c.wsURL)

	err = c.readLoop(conn)
	c.detach(conn)
	if ctx.Err() == nil {
		c.logger.Warn("websocket closed", "error", err)
	}
	return true, err
}

// attach installs conn as the live connection unless the client is closing.
func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

// detach closes conn and discards the connection-scoped session identity.
func (c *Client) detach(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.sid = ""
	c.current = ""
	c.sessionReady.Close()
	c.mu.Unlock()
}

// readLoop dispatches frames in arrival order until the socket fails.
// Any transport error ends the connection; there is no in-place recovery.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var notify func()
		c.dispatchMu.Lock()
		switch kind {
		case websocket.TextMessage:
			notify = c.handleText(data)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		}
		c.dispatchMu.Unlock()

		if notify != nil {
			notify()
		}
	}
}

// handleText routes a JSON envelope. It returns a callback to run once the
// dispatch lock is released, if the event carries one.
func (c *Client) handleText(raw []byte) func() {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("discarding malformed event", "error", err)
		return nil
	}

	switch env.Type {
	case msgStatus:
		var data statusData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			c.logger.Warn("malformed status event", "error", err)
			return nil
		}
		return c.observeSession(data.SID)

	case msgExecutionStart:
		var data promptRef
		if err := json.Unmarshal(env.Data, &data); err == nil {
			c.logger.Debug("execution started", "prompt_id", data.PromptID)
		}

	case msgProgress:
		var data progressData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			c.logger.Warn("malformed progress event", "error", err)
			return nil
		}
		return c.trackProgress(domain.Progress{
			PromptID: data.PromptID,
			Node:     data.Node,
			Value:    data.Value,
			Max:      data.Max,
			Raw:      append([]byte(nil), env.Data...),
		})

	case msgExecuting:
		var data executingData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.Node == nil {
			return nil
		}
		c.trackNode(data.PromptID, *data.Node)

	case msgExecuted:
		var data promptRef
		if err := json.Unmarshal(env.Data, &data); err == nil {
			c.logger.Debug("node executed", "prompt_id", data.PromptID)
		}

	case msgExecutionSuccess:
		var data promptRef
		if err := json.Unmarshal(env.Data, &data); err != nil {
			c.logger.Warn("malformed execution_success event", "error", err)
			return nil
		}
		c.finishSuccess(data.PromptID)

	case msgExecutionInterrupted:
		var data executionInterruptedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			c.logger.Warn("malformed execution_interrupted event", "error", err)
			return nil
		}
		c.finishFailure(data.PromptID, &domain.ExecutionInterrupted{
			PromptID: data.PromptID,
			NodeID:   data.NodeID,
			NodeType: data.NodeType,
		})

	case msgExecutionError:
		var data executionErrorData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			c.logger.Warn("malformed execution_error event", "error", err)
			return nil
		}
		c.finishFailure(data.PromptID, &domain.ExecutionError{
			PromptID:         data.PromptID,
			NodeID:           data.NodeID,
			NodeType:         data.NodeType,
			ExceptionType:    data.ExceptionType,
			ExceptionMessage: data.ExceptionMessage,
		})
	}
	return nil
}

// observeSession records the session identity. Only the first sid of a
// connection is taken. The returned state notification runs after dispatch.
func (c *Client) observeSession(sid string) func() {
	if sid == "" {
		return nil
	}
	c.mu.Lock()
	if c.sid != "" || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.sid = sid
	c.sessionReady.Open()
	c.mu.Unlock()

	c.logger.Info("session established", "sid", sid)
	return c.changeState(domain.ConnStateReady)
}

// awaitSession blocks until the live connection has a session identity.
func (c *Client) awaitSession(ctx context.Context) (string, error) {
	for {
		if err := c.sessionReady.Wait(ctx, c.connDone); err != nil {
			return "", c.terminalErr(err)
		}
		c.mu.Lock()
		sid := c.sid
		c.mu.Unlock()
		if sid != "" {
			return sid, nil
		}
	}
}
