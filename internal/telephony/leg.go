package telephony

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oterra/callgate/internal/protocol"
)

// ErrHangup reports that the remote side ended the call, either with an
// explicit stop message or by dropping the websocket.
var ErrHangup = errors.New("caller hung up")

const writeTimeout = 10 * time.Second

// Leg is one telephony media stream over an upgraded websocket. Reads happen
// from a single goroutine; writes are serialized internally so the transmit
// loop and control paths may both send.
type Leg struct {
	conn   *websocket.Conn
	callID string
	log    *zap.Logger

	writeMu sync.Mutex
	seq     int

	mu       sync.Mutex
	streamID string
	encoding string
	closed   bool
}

func NewLeg(conn *websocket.Conn, callID string, log *zap.Logger) *Leg {
	if log == nil {
		log = zap.NewNop()
	}
	return &Leg{conn: conn, callID: callID, log: log}
}

// ReadFrame blocks for the next inbound audio frame and returns its base64
// payload. Control messages are consumed internally; stop and connection
// errors surface as ErrHangup.
func (l *Leg) ReadFrame() (string, error) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", ErrHangup
			}
			return "", fmt.Errorf("read media stream: %w", err)
		}

		msg, err := protocol.ParseMediaMessage(data)
		if err != nil {
			l.log.Debug("skipping undecodable media message", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case protocol.StartMessage:
			l.mu.Lock()
			l.streamID = m.StreamID
			l.encoding = m.Encoding
			l.mu.Unlock()
		case protocol.MediaMessage:
			return m.PayloadBase64, nil
		case protocol.MarkMessage:
			// Playback position marks are not used.
		case protocol.StopMessage:
			return "", ErrHangup
		}
	}
}

// WriteFrame sends one base64 audio frame toward the caller.
func (l *Leg) WriteFrame(payloadBase64 string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.seq++
	msg := protocol.MediaMessage{
		Event:         protocol.TypeMedia,
		CallID:        l.callID,
		Seq:           l.seq,
		PayloadBase64: payloadBase64,
		TSMs:          time.Now().UnixMilli(),
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := l.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write media frame: %w", err)
	}
	return nil
}

// WriteStop tells the remote side the call is over. Best effort; the
// connection is going away either way.
func (l *Leg) WriteStop(reason string) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = l.conn.WriteJSON(protocol.StopMessage{
		Event:  protocol.TypeStop,
		CallID: l.callID,
		Reason: reason,
	})
}

func (l *Leg) StreamID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streamID
}

func (l *Leg) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.conn.Close()
}
