// Package protocol is the WebSocket wire format for following output tables.
//
// Clients send {"type":"subscribe","table":"..."} and
// {"type":"unsubscribe","table":"..."}; the server answers with
// "subscribed"/"unsubscribed" and then pushes every appended batch as
// {"type":"rows","data":{"table":"...","rows":[...]}}.
package protocol

import (
	"encoding/json"
	"strings"
)

// Message types.
const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeSubscribe    = "subscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribe  = "unsubscribe"
	TypeUnsubscribed = "unsubscribed"
	TypeRows         = "rows"
	TypeError        = "error"
)

// Request is a client message.
type Request struct {
	Type  string `json:"type"`
	Table string `json:"table,omitempty"`
	// Backfill asks for the rows already in the table with the subscription reply.
	Backfill bool `json:"backfill,omitempty"`
}

// Envelope is a server message.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Subscribed answers a subscribe request.
type Subscribed struct {
	Table  string  `json:"table"`
	ID     string  `json:"id"`
	Schema any     `json:"schema"`
	Rows   [][]any `json:"rows,omitempty"`
	Total  int     `json:"total"`
}

type Error struct {
	Error string `json:"error"`
}

func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return req, err
	}
	req.Type = strings.ToLower(req.Type)
	return req, nil
}
