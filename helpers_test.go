package main

import (
	"time"
)

func testConfig() *Config {
	return &Config{
		bind:              "127.0.0.1",
		port:              8080,
		heartbeatInterval: 25 * time.Second,
		staleThreshold:    50 * time.Second,
		queueTimeout:      30 * time.Second,
		joinTimeout:       time.Second,
		maxJoinAttempts:   3,
		revealOffset:      500 * time.Millisecond,
		broadcastRetries:  3,
		broadcastBackoff:  time.Millisecond,
	}
}

// drain empties a connection's send buffer without blocking.
func drain(c *Connection) []envelope {
	msgs := make([]envelope, 0)
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// fillBuffer saturates a connection's send buffer so the next delivery
// fails, standing in for a client that stopped reading.
func fillBuffer(c *Connection) {
	for {
		select {
		case c.send <- newEnvelope("noise", nil):
		default:
			return
		}
	}
}

// messageTypes lists the types in a drained batch, in order.
func messageTypes(msgs []envelope) []string {
	types := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		types = append(types, msg.Type)
	}
	return types
}

// firstOfType returns the first message of the given type, if any.
func firstOfType(msgs []envelope, msgType string) (envelope, bool) {
	for _, msg := range msgs {
		if msg.Type == msgType {
			return msg, true
		}
	}
	return envelope{}, false
}
