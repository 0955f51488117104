package main

import (
	"github.com/nharte/tunstack/pkg/logging"
	"github.com/nharte/tunstack/pkg/stack"
)

// echoHandler reflects every received byte back to the peer. One instance per
// listening port; all state lives on the connection, so it is safe to share.
type echoHandler struct{}

func newEchoHandler() stack.Handler { return &echoHandler{} }

func (e *echoHandler) OnEstablished(c *stack.Connection) {
	logging.Debugf("echo: %s established", c.Key())
}

func (e *echoHandler) OnData(c *stack.Connection, data []byte) {
	if err := c.Send(data); err != nil {
		logging.Warnf("echo: %s send failed: %v", c.Key(), err)
		c.Abort()
	}
}

func (e *echoHandler) OnClosed(c *stack.Connection, reason stack.CloseReason) {
	logging.Debugf("echo: %s closed (%s)", c.Key(), reason)
	if reason == stack.CloseEOF {
		// Peer finished sending; close our side once the echoes drain.
		c.Close()
	}
}
