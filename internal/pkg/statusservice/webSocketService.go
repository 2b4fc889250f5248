package statusservice

import (
	"strings"
	"sync"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
)

// WsConn is interface for websocket handling in status service
type WsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	WriteJSON(v interface{}) error
}

// WSConnKeeper tracks open subscriptions, a client sends the content ID
// it wants updates for as a plain text frame
type WSConnKeeper struct {
	lock    sync.RWMutex
	byID    map[string]map[WsConn]struct{}
	idConn  map[WsConn]string
	timeOut time.Duration
}

// NewWSConnKeeper creates manager
func NewWSConnKeeper() *WSConnKeeper {
	return &WSConnKeeper{
		byID:   map[string]map[WsConn]struct{}{},
		idConn: map[WsConn]string{},
		// drop connections with no activity
		timeOut: time.Minute * 30,
	}
}

// HandleConnection loops until the connection dies or times out,
// every received non empty frame rebinds the connection to that ID
func (kp *WSConnKeeper) HandleConnection(conn WsConn) error {
	defer kp.drop(conn)
	defer conn.Close()
	readCh := make(chan string)
	go func() {
		defer close(readCh)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				goapp.Log.Debug().Err(err).Msg("ws read finished")
				return
			}
			msg := strings.TrimSpace(string(message))
			goapp.Log.Debug().Str("msg", goapp.Sanitize(msg)).Msg("got ws msg")
			if msg != "" {
				readCh <- msg
			}
		}
	}()

	ta := time.After(kp.timeOut)
	for {
		select {
		case <-ta:
			goapp.Log.Debug().Msg("ws conn timeout")
			return nil
		case msg, ok := <-readCh:
			if !ok {
				return nil
			}
			kp.bind(conn, msg)
			ta = time.After(kp.timeOut)
		}
	}
}

func (kp *WSConnKeeper) drop(conn WsConn) {
	kp.lock.Lock()
	defer kp.lock.Unlock()
	kp.dropNoSync(conn)
	goapp.Log.Info().Int("active", len(kp.idConn)).Msg("ws conn dropped")
}

func (kp *WSConnKeeper) dropNoSync(conn WsConn) {
	if id, found := kp.idConn[conn]; found {
		if conns, found := kp.byID[id]; found {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(kp.byID, id)
			}
		}
	}
	delete(kp.idConn, conn)
}

func (kp *WSConnKeeper) bind(conn WsConn, id string) {
	goapp.Log.Info().Str("ID", id).Msg("ws subscribe")
	kp.lock.Lock()
	defer kp.lock.Unlock()
	kp.dropNoSync(conn)
	kp.idConn[conn] = id
	conns, found := kp.byID[id]
	if !found {
		conns = map[WsConn]struct{}{}
		kp.byID[id] = conns
	}
	conns[conn] = struct{}{}
}

// GetConnections returns saved connections by provided id
func (kp *WSConnKeeper) GetConnections(id string) ([]WsConn, bool) {
	kp.lock.RLock()
	defer kp.lock.RUnlock()
	cm, found := kp.byID[id]
	if !found {
		return nil, false
	}
	res := make([]WsConn, 0, len(cm))
	for c := range cm {
		res = append(res, c)
	}
	return res, true
}
