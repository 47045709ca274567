package bridge

import "errors"

// ErrTransportClosed is returned by transports that can no longer send.
var ErrTransportClosed = errors.New("transport closed")

// Transport is one live connection to a peer. Send must not block: it queues
// the frame or reports why it could not. Implementations own their write loop.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// BatchSender is implemented by transports that can queue several frames as
// one unit, which keeps a replay contiguous and immune to per-frame drops.
type BatchSender interface {
	SendBatch(frames [][]byte) error
}

func sendBatch(t Transport, frames [][]byte) error {
	if len(frames) == 0 {
		return nil
	}
	if bs, ok := t.(BatchSender); ok {
		return bs.SendBatch(frames)
	}
	for _, f := range frames {
		if err := t.Send(f); err != nil {
			return err
		}
	}
	return nil
}
