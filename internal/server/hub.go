package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"errandline/internal/domain"
	"errandline/internal/engine"
	"errandline/internal/metrics"
	"errandline/internal/realtime"
)

const (
	handshakeTimeout = 10 * time.Second
	hubWriteTimeout  = 5 * time.Second
	hubOpTimeout     = 5 * time.Second
)

// Hub is the realtime endpoint. It implements engine.Notifier so committed
// task changes fan out to connected peers.
type Hub struct {
	engine engine.Engine
	log    *zap.Logger

	mu     sync.RWMutex
	closed bool
	users  map[string]map[*peer]struct{}
	rooms  map[string]map[*peer]struct{}
}

type peer struct {
	conn      net.Conn
	principal engine.Principal
	writeMu   sync.Mutex
	// joined is guarded by Hub.mu.
	joined map[string]struct{}
}

var _ engine.Notifier = (*Hub)(nil)

func NewHub(e engine.Engine, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		engine: e,
		log:    log,
		users:  map[string]map[*peer]struct{}{},
		rooms:  map[string]map[*peer]struct{}{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	p, err := h.handshake(conn, r.URL.Query().Get("token"))
	if err != nil {
		h.log.Debug("websocket handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	if !h.add(p) {
		_ = conn.Close()
		return
	}
	defer h.remove(p)
	h.log.Debug("peer connected", zap.String("user", p.principal.UserID), zap.String("role", string(p.principal.Role)))
	h.serve(p)
}

// handshake expects an auth frame first. The token may also travel in the
// query string; when both are present they must agree.
func (h *Hub) handshake(conn net.Conn, queryToken string) (*peer, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	p := &peer{conn: conn, joined: map[string]struct{}{}}
	data, err := wsutil.ReadClientText(conn)
	if err != nil {
		return nil, err
	}
	var f realtime.Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Event != realtime.EventAuth {
		h.reject(p, "expected auth frame")
		return nil, errHandshake("expected auth frame")
	}
	var auth realtime.AuthPayload
	_ = json.Unmarshal(f.Data, &auth)
	token := auth.Token
	if token == "" {
		token = queryToken
	}
	if token == "" || (queryToken != "" && queryToken != token) {
		h.reject(p, "missing or mismatched token")
		return nil, errHandshake("missing or mismatched token")
	}
	principal, err := h.engine.Authenticate(token)
	if err != nil {
		h.reject(p, "invalid token")
		return nil, err
	}
	p.principal = principal
	if err := h.write(p, realtime.EventAuthOK, struct{}{}); err != nil {
		return nil, err
	}
	return p, nil
}

type errHandshake string

func (e errHandshake) Error() string { return string(e) }

func (h *Hub) reject(p *peer, msg string) {
	_ = h.write(p, realtime.EventAuthError, realtime.AuthError{Message: msg})
}

func (h *Hub) serve(p *peer) {
	for {
		data, err := wsutil.ReadClientText(p.conn)
		if err != nil {
			return
		}
		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.log.Debug("invalid frame from peer", zap.String("user", p.principal.UserID), zap.Error(err))
			continue
		}
		switch f.Event {
		case realtime.EventTaskSubscribe:
			var sub realtime.SubscribePayload
			if err := json.Unmarshal(f.Data, &sub); err != nil || sub.TaskID == "" {
				continue
			}
			h.join(p, sub.TaskID)
		case realtime.EventLocation:
			var loc realtime.LocationPayload
			if err := json.Unmarshal(f.Data, &loc); err != nil {
				continue
			}
			h.location(p, loc)
		default:
			h.log.Debug("ignoring frame", zap.String("event", f.Event))
		}
	}
}

func (h *Hub) join(p *peer, taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), hubOpTimeout)
	defer cancel()
	if err := h.engine.CanJoin(ctx, p.principal, taskID); err != nil {
		h.log.Debug("room join refused", zap.String("user", p.principal.UserID), zap.String("task", taskID), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[taskID] == nil {
		h.rooms[taskID] = map[*peer]struct{}{}
	}
	h.rooms[taskID][p] = struct{}{}
	p.joined[taskID] = struct{}{}
}

func (h *Hub) location(p *peer, loc realtime.LocationPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), hubOpTimeout)
	defer cancel()
	t, err := h.engine.RecordLocation(ctx, p.principal, domain.LatLng{Lat: loc.Lat, Lng: loc.Lng}, loc.TaskID)
	if err != nil {
		h.log.Debug("location rejected", zap.String("user", p.principal.UserID), zap.Error(err))
		return
	}
	if t == nil {
		return
	}
	update := realtime.LocationUpdate{
		TaskID:   t.ID,
		HelperID: p.principal.UserID,
		Lat:      loc.Lat,
		Lng:      loc.Lng,
		TS:       time.Now().UnixMilli(),
	}
	h.fanout(realtime.EventHelperLocation, update, t.ID, t.BuyerID)
}

func (h *Hub) TaskOffered(helperID string, offer domain.Offer) {
	h.fanout(realtime.EventTaskOffered, offer, "", helperID)
}

func (h *Hub) TaskAssigned(t domain.Task) {
	h.fanout(realtime.EventTaskAssigned, realtime.Assigned{
		TaskID:   t.ID,
		BuyerID:  t.BuyerID,
		HelperID: deref(t.AssignedHelperID),
		Status:   t.Status,
	}, t.ID, t.BuyerID, deref(t.AssignedHelperID))
}

func (h *Hub) TaskStatusChanged(t domain.Task) {
	h.fanout(realtime.EventTaskStatusChanged, realtime.StatusChanged{
		TaskID:   t.ID,
		BuyerID:  t.BuyerID,
		HelperID: deref(t.AssignedHelperID),
		Status:   t.Status,
	}, t.ID, t.BuyerID, deref(t.AssignedHelperID))
}

// fanout sends one frame to the room members and the named users, once per peer.
func (h *Hub) fanout(event string, data any, room string, userIDs ...string) {
	targets := map[*peer]struct{}{}
	h.mu.RLock()
	if room != "" {
		for p := range h.rooms[room] {
			targets[p] = struct{}{}
		}
	}
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		for p := range h.users[id] {
			targets[p] = struct{}{}
		}
	}
	h.mu.RUnlock()
	for p := range targets {
		if err := h.write(p, event, data); err != nil {
			h.log.Debug("push failed", zap.String("event", event), zap.String("user", p.principal.UserID), zap.Error(err))
		}
	}
}

func (h *Hub) write(p *peer, event string, data any) error {
	f, err := realtime.NewFrame(event, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})
	return wsutil.WriteServerText(p.conn, raw)
}

func (h *Hub) add(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	id := p.principal.UserID
	if h.users[id] == nil {
		h.users[id] = map[*peer]struct{}{}
	}
	h.users[id][p] = struct{}{}
	metrics.AddHubPeersMetric(1)
	return true
}

func (h *Hub) remove(p *peer) {
	_ = p.conn.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	id := p.principal.UserID
	if _, ok := h.users[id][p]; !ok {
		return
	}
	delete(h.users[id], p)
	if len(h.users[id]) == 0 {
		delete(h.users, id)
	}
	for room := range p.joined {
		delete(h.rooms[room], p)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	metrics.AddHubPeersMetric(-1)
}

// Peers returns the number of authenticated connections.
func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, ps := range h.users {
		n += len(ps)
	}
	return n
}

// Close disconnects every peer and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	var conns []net.Conn
	for _, ps := range h.users {
		for p := range ps {
			conns = append(conns, p.conn)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
