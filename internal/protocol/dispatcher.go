package protocol

import (
	"go.uber.org/zap"
)

// HandleMessage handles one message received from the client.
func (s *Session) HandleMessage(raw []byte, log *zap.Logger) {
	req, err := DecodeRequest(raw)
	if err != nil {
		log.Debug("bad message", zap.Error(err))
		s.reply(TypeError, Error{Error: "invalid JSON"}, log)
		return
	}

	switch req.Type {
	case TypePing:
		s.reply(TypePong, nil, log)

	case TypeSubscribe:
		t, ok := s.tables.Get(req.Table)
		if !ok {
			s.reply(TypeError, Error{Error: "unknown table " + req.Table}, log)
			return
		}
		// The reply goes out before any pushed batch can.
		s.wmu.Lock()
		s.subscribe(t)
		msg := Subscribed{Table: t.Name, ID: t.ID, Schema: t.Schema, Total: t.Len()}
		if req.Backfill {
			msg.Rows = t.Rows(0, 0)
		}
		err := s.out.WriteJSON(Envelope{Type: TypeSubscribed, Data: msg})
		s.wmu.Unlock()
		if err != nil {
			log.Debug("write failed", zap.Error(err))
		}

	case TypeUnsubscribe:
		if !s.unsubscribe(req.Table) {
			s.reply(TypeError, Error{Error: "not subscribed to " + req.Table}, log)
			return
		}
		s.reply(TypeUnsubscribed, map[string]string{"table": req.Table}, log)

	default:
		s.reply(TypeError, Error{Error: "unknown message type"}, log)
	}
}

func (s *Session) reply(msgType string, payload any, log *zap.Logger) {
	if err := s.Send(msgType, payload); err != nil {
		log.Debug("write failed", zap.String("type", msgType), zap.Error(err))
	}
}
