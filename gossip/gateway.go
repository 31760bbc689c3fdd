// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package gossip bridges the in-process event bus to the peer network. The
// Gateway runs a websocket listener that announces locally accepted orders
// to any connected peer, and it dials a configured set of peers to receive
// their announcements. An inbound announcement is injected onto the bus with
// a peer origin, which is what keeps the network from rebroadcasting an
// order in a loop.
package gossip

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
	"nexex.org/obnode/events"
	"nexex.org/obnode/ob/msgjson"
	"nexex.org/obnode/ob/ws"
)

const (
	// maxClients is the hard cap on concurrent inbound peer connections.
	maxClients = 50

	pingPeriod = 20 * time.Second
	pongWait   = 25 * time.Second

	// reconnectWait and maxReconnectWait bound the dialer's backoff.
	reconnectWait    = 5 * time.Second
	maxReconnectWait = time.Minute
)

// connLimiter throttles inbound upgrade attempts across all peers.
var connLimiter = rate.NewLimiter(10, 20) // rate per sec, max burst

// Config is the Gateway configuration.
type Config struct {
	// ListenAddr is the address of the announcement listener. Empty disables
	// the listener; the node then only consumes gossip.
	ListenAddr string
	// Peers are the websocket URLs of peer listeners to dial, e.g.
	// "ws://host:port/ws".
	Peers []string
}

// Gateway runs the peer gossip listener and dialers and relays between the
// peer links and the event bus.
type Gateway struct {
	cfg  *Config
	bus  *events.Bus
	feed *events.Feed

	clientMtx sync.RWMutex
	clientID  uint64
	clients   map[uint64]*ws.Link
}

// NewGateway creates a Gateway with its broadcast feed already registered,
// so announcements emitted before Run is scheduled are still relayed. Call
// Run to start the listener and dialers.
func NewGateway(cfg *Config, bus *events.Bus) *Gateway {
	return &Gateway{
		cfg:     cfg,
		bus:     bus,
		feed:    bus.Feed(),
		clients: make(map[uint64]*ws.Link),
	}
}

// Run starts the listener, the peer dialers, and the broadcast loop, and
// blocks until the context is canceled and every connection is down.
func (g *Gateway) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if g.cfg.ListenAddr != "" {
		listener, err := net.Listen("tcp", g.cfg.ListenAddr)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.runListener(ctx, listener)
		}()
	}

	for _, peer := range g.cfg.Peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			g.runDialer(ctx, peer)
		}(peer)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.runBroadcaster(ctx)
	}()

	wg.Wait()
	return nil
}

// runListener serves the announcement endpoint until the context is
// canceled.
func (g *Gateway) runListener(ctx context.Context, listener net.Listener) {
	var wg sync.WaitGroup

	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	httpServer := &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	mux.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		if !connLimiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		if g.clientCount() >= maxClients {
			http.Error(w, "server at maximum capacity", http.StatusServiceUnavailable)
			return
		}
		wsConn, err := ws.NewConnection(w, r, pongWait)
		if err != nil {
			log.Errorf("ws connection error: %v", err)
			return
		}
		// http.Server.Shutdown does not wait for upgraded connections, so
		// each link is tracked on the listener's own WaitGroup.
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.serveClient(ctx, r.RemoteAddr, wsConn)
		}()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("gossip listener on %s", listener.Addr())
		err := httpServer.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("unexpected (http.Server).Serve error: %v", err)
		}
	}()

	<-ctx.Done()
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctxTimeout); err != nil {
		log.Warnf("http.Server.Shutdown: %v", err)
	}
	wg.Wait()
}

// serveClient runs an inbound peer link until it disconnects.
func (g *Gateway) serveClient(ctx context.Context, addr string, conn ws.Connection) {
	link := ws.NewLink(addr, conn, pingPeriod, g.handleMessage)
	wg, err := link.Connect(ctx)
	if err != nil {
		log.Errorf("failed to start link for peer %s: %v", addr, err)
		conn.Close()
		return
	}
	id := g.addClient(link)
	log.Debugf("gossip peer %s connected", addr)
	wg.Wait()
	g.removeClient(id)
	log.Debugf("gossip peer %s disconnected", addr)
}

func (g *Gateway) addClient(link *ws.Link) uint64 {
	g.clientMtx.Lock()
	defer g.clientMtx.Unlock()
	g.clientID++
	g.clients[g.clientID] = link
	return g.clientID
}

func (g *Gateway) removeClient(id uint64) {
	g.clientMtx.Lock()
	delete(g.clients, id)
	g.clientMtx.Unlock()
}

func (g *Gateway) clientCount() int {
	g.clientMtx.RLock()
	defer g.clientMtx.RUnlock()
	return len(g.clients)
}

// runDialer maintains a connection to one peer's announcement endpoint,
// redialing with capped backoff for as long as the context lives.
func (g *Gateway) runDialer(ctx context.Context, peer string) {
	wait := reconnectWait
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, peer, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("failed to dial gossip peer %s, retrying in %s: %v", peer, wait, err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			if wait *= 2; wait > maxReconnectWait {
				wait = maxReconnectWait
			}
			continue
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		link := ws.NewLink(peer, conn, pingPeriod, g.handleMessage)
		wg, err := link.Connect(ctx)
		if err != nil {
			log.Errorf("failed to start link for peer %s: %v", peer, err)
			conn.Close()
			continue
		}
		log.Infof("connected to gossip peer %s", peer)
		wait = reconnectWait
		wg.Wait()
		if ctx.Err() != nil {
			return
		}
		log.Warnf("lost connection to gossip peer %s, redialing", peer)
	}
}

// runBroadcaster serializes each peer broadcast once and queues it on every
// connected client link.
func (g *Gateway) runBroadcaster(ctx context.Context) {
	defer g.feed.Close()
	for {
		select {
		case ev := <-g.feed.C:
			bcast, is := ev.(*events.PeerBroadcast)
			if !is {
				continue
			}
			g.broadcast(bcast.Accepted)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) broadcast(accepted *events.OrderAccepted) {
	msg, err := msgjson.NewMessage(msgjson.TopicOrderEvent, msgjson.TypeOrderAccepted, &msgjson.OrderAccepted{
		MarketID: accepted.MarketID,
		Order:    accepted.Order,
	})
	if err != nil {
		log.Errorf("failed to encode order announcement for %s: %v", accepted.Order.OrderHash, err)
		return
	}
	g.clientMtx.RLock()
	defer g.clientMtx.RUnlock()
	for _, link := range g.clients {
		if err := link.Send(msg); err != nil {
			log.Debugf("failed to queue announcement for peer %s: %v", link.Addr(), err)
		}
	}
}

// handleMessage is the inbound handler for every peer link. Announcements
// are injected onto the bus with a peer origin so the onboard pipeline never
// publishes them back to the content network. Unknown topics and types are
// dropped.
func (g *Gateway) handleMessage(msg *msgjson.Message) {
	if msg.Topic != msgjson.TopicOrderEvent || msg.Type != msgjson.TypeOrderAccepted {
		log.Tracef("ignoring gossip message %s/%s", msg.Topic, msg.Type)
		return
	}
	payload := new(msgjson.OrderAccepted)
	if err := msg.Unmarshal(payload); err != nil {
		log.Errorf("dropping undecodable order announcement: %v", err)
		return
	}
	if payload.Order == nil || payload.Order.SignedOrder == nil {
		log.Errorf("dropping order announcement with no order payload")
		return
	}
	if payload.Order.OrderHash != payload.Order.SignedOrder.Hash() {
		log.Errorf("dropping order announcement with mismatched hash %s", payload.Order.OrderHash)
		return
	}
	g.bus.Send(&events.OrderAccepted{
		Order:    payload.Order,
		MarketID: payload.MarketID,
		Origin:   events.OriginPeer,
	})
}
