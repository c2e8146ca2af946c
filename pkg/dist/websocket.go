package dist

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Sent by a worker for every collective, and echoed back by the coordinator with the result.
// Values travel as IEEE 754 bit patterns, because JSON has no NaN or Inf.
type wsMessage struct {
	Seq     int64    `json:"seq"`
	Op      opKind   `json:"op"`
	Values  []uint64 `json:"values,omitempty"`
	Payload []byte   `json:"payload,omitempty"`
	Gather  [][]byte `json:"gather,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func encodeFloats(v []float64) []uint64 {
	bits := make([]uint64, len(v))
	for i, x := range v {
		bits[i] = math.Float64bits(x)
	}
	return bits
}

func decodeFloats(bits []uint64) []float64 {
	v := make([]float64, len(bits))
	for i, b := range bits {
		v[i] = math.Float64frombits(b)
	}
	return v
}

// Coordinator is the rendezvous point of a multi-process run.
// Each worker holds one websocket connection to the coordinator, at /join/:rank.
// The coordinator completes a collective once every rank has sent its message for it.
type Coordinator struct {
	Log       logs.Log
	worldSize int
	rv        *rendezvous
	upgrader  websocket.Upgrader

	lock      sync.Mutex
	connected []bool
}

func NewCoordinator(log logs.Log, worldSize int) *Coordinator {
	return &Coordinator{
		Log:       logs.NewPrefixLogger(log, "Coordinator"),
		worldSize: worldSize,
		rv:        newRendezvous(worldSize),
		connected: make([]bool, worldSize),
	}
}

// Handler returns the HTTP handler of the coordinator. Joins are rate limited per IP.
func (c *Coordinator) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/join/:rank", c.httpJoin)
	router.GET("/status", c.httpStatus)
	return httprate.LimitByIP(100, time.Minute)(router)
}

// Close aborts any collective in flight
func (c *Coordinator) Close() {
	c.rv.close()
}

// NumConnected returns the number of workers that currently hold a connection
func (c *Coordinator) NumConnected() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.numConnectedLocked()
}

func (c *Coordinator) numConnectedLocked() int {
	n := 0
	for _, v := range c.connected {
		if v {
			n++
		}
	}
	return n
}

func (c *Coordinator) httpStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "%v/%v workers connected\n", c.NumConnected(), c.worldSize)
}

func (c *Coordinator) httpJoin(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	rank, err := strconv.Atoi(p.ByName("rank"))
	if err != nil || rank < 0 || rank >= c.worldSize {
		http.Error(w, fmt.Sprintf("Invalid rank '%v' for world size %v", p.ByName("rank"), c.worldSize), http.StatusBadRequest)
		return
	}
	if ws := r.URL.Query().Get("world"); ws != "" && ws != strconv.Itoa(c.worldSize) {
		http.Error(w, fmt.Sprintf("Worker expects world size %v, but coordinator has %v", ws, c.worldSize), http.StatusBadRequest)
		return
	}
	c.lock.Lock()
	if c.connected[rank] {
		c.lock.Unlock()
		http.Error(w, fmt.Sprintf("Rank %v is already connected", rank), http.StatusConflict)
		return
	}
	c.connected[rank] = true
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		c.connected[rank] = false
		// Once every worker has gone, the coordinator is ready for the next run
		if c.numConnectedLocked() == 0 {
			c.rv.reset()
		}
		c.lock.Unlock()
	}()

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.Log.Errorf("Websocket upgrade for rank %v failed: %v", rank, err)
		return
	}
	defer conn.Close()

	c.Log.Infof("Rank %v joined from %v", rank, r.RemoteAddr)
	c.serveWorker(r.Context(), rank, conn)
	c.Log.Infof("Rank %v left", rank)
	// The remaining ranks can never complete another collective
	c.rv.fail(fmt.Errorf("%w: rank %v", ErrWorkerLeft, rank))
}

func (c *Coordinator) serveWorker(ctx context.Context, rank int, conn *websocket.Conn) {
	expectSeq := int64(1)
	for {
		msg := wsMessage{}
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.Log.Warnf("Rank %v read failed: %v", rank, err)
			}
			return
		}
		reply := wsMessage{Seq: msg.Seq, Op: msg.Op}
		if msg.Seq != expectSeq {
			reply.Error = fmt.Sprintf("%v: rank %v sent sequence %v, expected %v", ErrProtocol, rank, msg.Seq, expectSeq)
			conn.WriteJSON(&reply)
			return
		}
		expectSeq++
		rd, err := c.rv.join(ctx, rank, msg.Op, decodeFloats(msg.Values), msg.Payload)
		if err != nil {
			reply.Error = err.Error()
		} else if msg.Op == opAllReduceSum {
			reply.Values = encodeFloats(rd.sum)
		} else {
			reply.Gather = rd.gathered
		}
		if err := conn.WriteJSON(&reply); err != nil {
			c.Log.Warnf("Rank %v write failed: %v", rank, err)
			return
		}
		if reply.Error != "" {
			return
		}
	}
}

// Connect returns the process group of a worker. A world of one worker needs no coordinator.
func Connect(ctx context.Context, coordinatorURL string, rank, worldSize int) (ProcessGroup, error) {
	if worldSize <= 1 {
		return Local{}, nil
	}
	return Dial(ctx, coordinatorURL, rank, worldSize)
}

// WebSocketGroup is a worker's membership in a run that is coordinated by a Coordinator
type WebSocketGroup struct {
	rank      int
	worldSize int
	conn      *websocket.Conn
	seq       int64
}

// Dial joins the run at coordinatorURL (eg "ws://10.0.0.1:29500") as the given rank
func Dial(ctx context.Context, coordinatorURL string, rank, worldSize int) (*WebSocketGroup, error) {
	u, err := url.Parse(strings.TrimSuffix(coordinatorURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("Invalid coordinator URL '%v': %w", coordinatorURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/join/" + strconv.Itoa(rank)
	u.RawQuery = "world=" + strconv.Itoa(worldSize)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("Failed to join %v as rank %v (HTTP %v): %w", u.Host, rank, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("Failed to join %v as rank %v: %w", u.Host, rank, err)
	}
	return &WebSocketGroup{
		rank:      rank,
		worldSize: worldSize,
		conn:      conn,
	}, nil
}

func (g *WebSocketGroup) Rank() int {
	return g.rank
}

func (g *WebSocketGroup) WorldSize() int {
	return g.worldSize
}

func (g *WebSocketGroup) roundTrip(ctx context.Context, msg *wsMessage) (*wsMessage, error) {
	if g.conn == nil {
		return nil, ErrClosed
	}
	g.seq++
	msg.Seq = g.seq
	if deadline, ok := ctx.Deadline(); ok {
		g.conn.SetWriteDeadline(deadline)
		g.conn.SetReadDeadline(deadline)
		defer g.conn.SetWriteDeadline(time.Time{})
		defer g.conn.SetReadDeadline(time.Time{})
	}
	if err := g.conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("Failed to send %v: %w", msg.Op, err)
	}
	reply := &wsMessage{}
	if err := g.conn.ReadJSON(reply); err != nil {
		return nil, fmt.Errorf("Failed to receive %v result: %w", msg.Op, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, reply.Error)
	}
	if reply.Seq != msg.Seq {
		return nil, fmt.Errorf("%w: reply sequence %v, expected %v", ErrProtocol, reply.Seq, msg.Seq)
	}
	return reply, nil
}

func (g *WebSocketGroup) AllReduceSum(ctx context.Context, values []float64) error {
	reply, err := g.roundTrip(ctx, &wsMessage{Op: opAllReduceSum, Values: encodeFloats(values)})
	if err != nil {
		return err
	}
	if len(reply.Values) != len(values) {
		return fmt.Errorf("%w: received %v values, expected %v", ErrProtocol, len(reply.Values), len(values))
	}
	copy(values, decodeFloats(reply.Values))
	return nil
}

func (g *WebSocketGroup) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	reply, err := g.roundTrip(ctx, &wsMessage{Op: opAllGather, Payload: payload})
	if err != nil {
		return nil, err
	}
	if len(reply.Gather) != g.worldSize {
		return nil, fmt.Errorf("%w: gathered %v payloads, expected %v", ErrProtocol, len(reply.Gather), g.worldSize)
	}
	return reply.Gather, nil
}

func (g *WebSocketGroup) Close() error {
	if g.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := g.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	errClose := g.conn.Close()
	g.conn = nil
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return errClose
}
