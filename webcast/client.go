package webcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/greendrake/gazecap/wire"
	"github.com/greendrake/server_client_hierarchy"
	"golang.org/x/net/websocket"
)

const writeTimeout = 100 * time.Millisecond

// Commands a browser may send over the socket.
const (
	CommandResultsOnly = "results"
	CommandFull        = "full"
)

// Client is a principally client Node, one per browser socket. It is
// attached to the Caster at once; pairs queue up in its input until the
// socket is ready.
type Client struct {
	server_client_hierarchy.Node
	caster             *Caster
	wsReadyChannel     chan bool
	stopCommandChannel chan bool
	ws                 *websocket.Conn
	wsReady            bool
	wsWriteMutex       sync.Mutex
	resultsOnly        atomic.Bool
}

func NewClient(c *gin.Context, caster *Caster) *Client {
	client := &Client{
		caster:         caster,
		wsReadyChannel: make(chan bool),
	}
	client.GetNode().ID = "Client " + uuid.New().String() + ", caster " + caster.GetNode().ID
	client.SetPrincipallyClient(true)
	if c.Query("mode") == CommandResultsOnly {
		client.resultsOnly.Store(true)
	}
	client.SetTask(func(ch chan bool) {
		client.stopCommandChannel = ch
		handler := websocket.Handler(client.wsHandler)
		handler.ServeHTTP(c.Writer, c.Request)
	})
	client.SetIChunkHandler(client.pairChunkHandler)
	caster.AddClient(client)
	return client
}

func (c *Client) pairChunkHandler(chunk any) {
	if !c.wsReady {
		<-c.wsReadyChannel
		c.wsReady = true
	}
	msg := chunk.([]byte)
	if c.resultsOnly.Load() {
		if msg = ResultsOnly(msg); len(msg) == 0 {
			return
		}
	}
	c.wsWriteMutex.Lock()
	c.writeToWS(msg)
}

// ResultsOnly keeps the result records of an encoded pair and drops the
// frames. The message is shared between clients, so a new slice is built.
func ResultsOnly(msg []byte) []byte {
	var out []byte
	for len(msg) > 0 {
		r, n, err := wire.Decode(msg)
		if err != nil {
			break
		}
		if r.Type == wire.TypeResult {
			out = append(out, msg[:n]...)
		}
		msg = msg[n:]
	}
	return out
}

func (c *Client) writeToWS(data []byte) {
	defer c.wsWriteMutex.Unlock()
	if c.ws == nil {
		return
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		// Stopping flushes the input queue through pairChunkHandler(),
		// which needs the mutex held here, hence the goroutine.
		go c.stopAndClose()
		return
	}
	if err := websocket.Message.Send(c.ws, data); err != nil {
		go c.stopAndClose()
	}
}

// receive watches the socket for the browser going away and for mode
// commands.
func (c *Client) receive(ws *websocket.Conn) {
	var message string
	for {
		if err := websocket.Message.Receive(ws, &message); err != nil {
			c.stopAndClose()
			return
		}
		switch message {
		case CommandResultsOnly:
			c.resultsOnly.Store(true)
		case CommandFull:
			c.resultsOnly.Store(false)
		}
	}
}

func (c *Client) wsHandler(ws *websocket.Conn) {
	defer c.stopAndClose()
	ws.PayloadType = websocket.BinaryFrame
	c.ws = ws
	go c.receive(ws)
	select {
	case <-c.Node.Ctx.Done():
		<-c.stopCommandChannel
	case c.wsReadyChannel <- true: // taken by the first pair; there may never be one
		<-c.stopCommandChannel
	case <-c.stopCommandChannel:
	}
}

func (c *Client) stopAndClose() {
	c.wsWriteMutex.Lock()
	if ws := c.ws; ws != nil {
		c.ws = nil
		ws.Close()
	}
	c.wsWriteMutex.Unlock()
	c.Stop()
}
