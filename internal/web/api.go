package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nuha.dev/busrelay/internal/relay/registry"
	"nuha.dev/busrelay/internal/relay/server"
	"nuha.dev/busrelay/internal/relay/wsconn"
	"nuha.dev/busrelay/internal/stat"
	"nuha.dev/busrelay/internal/web/monitoring"
)

var ErrDraining = errors.New("api is draining")

// Relay is the part of the relay server the HTTP surface drives.
type Relay interface {
	Open(link registry.Transport) (string, error)
	Message(cid string, frame []byte) error
	Close(cid string) error
	Status() (server.Status, error)
}

type ApiConfig struct {
	ListenAddr  string
	CorsOrigins []string
	WsConn      *wsconn.WsConnConfig
}

type Api struct {
	r      chi.Router
	relay  Relay
	config *ApiConfig
	log    log.Logger

	mu       sync.Mutex
	draining bool
	sessions sync.WaitGroup
}

func NewApi(relay Relay, st *stat.Stat, config *ApiConfig) *Api {
	api := &Api{config: config, relay: relay}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	origins := config.CorsOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	mon := monitoring.NewMonApi(relay, st)
	r.Get("/", api.serve_ws)
	r.Get("/ws", api.serve_ws)
	r.Method(http.MethodGet, "/status", mon.GetHandler())
	api.r = r
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// NewHttpServer returns a server for api. No read or write timeout is set
// because websocket connections outlive any single request.
func (api *Api) NewHttpServer() *http.Server {
	return &http.Server{
		Addr:              api.config.ListenAddr,
		Handler:           api.r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// Drain stops accepting websocket sessions and waits for the running ones
// to end, or for ctx.
func (api *Api) Drain(ctx context.Context) error {
	api.mu.Lock()
	api.draining = true
	api.mu.Unlock()
	done := make(chan struct{})
	go func() {
		api.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (api *Api) begin() bool {
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.draining {
		return false
	}
	api.sessions.Add(1)
	return true
}

func (api *Api) serve_ws(w http.ResponseWriter, r *http.Request) {
	if !api.begin() {
		http.Error(w, ErrDraining.Error(), http.StatusServiceUnavailable)
		return
	}
	defer api.sessions.Done()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		api.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("error while upgrading websocket")
		return
	}
	local_addr := ""
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		local_addr = addr.String()
	}
	wc := wsconn.New(c, r.RemoteAddr, local_addr, api.config.WsConn)
	cid, err := api.relay.Open(wc)
	if err != nil {
		api.log.Info().Err(err).EmbedObject(wc).Msg("connection refused")
		wc.Close(server.CLOSE_GOING_AWAY, server.MSG_SHUTTING_DOWN)
		wc.Serve(func([]byte) {})
		return
	}
	wc.Serve(func(frame []byte) {
		if err := api.relay.Message(cid, frame); err != nil {
			api.log.Trace().Err(err).Str("cid", cid).Msg("message not routed")
		}
	})
	if err := api.relay.Close(cid); err != nil {
		api.log.Trace().Err(err).Str("cid", cid).Msg("close not routed")
	}
}
