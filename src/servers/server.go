package servers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hlskeeper/hlskeeper/src/configs"
	"github.com/hlskeeper/hlskeeper/src/instance"
	applog "github.com/hlskeeper/hlskeeper/src/log"
	"github.com/hlskeeper/hlskeeper/src/metrics"
	hksentry "github.com/hlskeeper/hlskeeper/src/pkg/sentry"
	"github.com/hlskeeper/hlskeeper/src/supervisor"
)

const processBroadcastInterval = 2 * time.Second

type Server struct {
	server *http.Server
	hub    *SSEHub
	sup    supervisor.Manager
}

func NewServer(ctx context.Context) *Server {
	inst := instance.GetInstance(ctx)
	config := configs.GetCurrentConfig()
	hub := NewSSEHub()
	sup, _ := inst.Supervisor.(supervisor.Manager)
	httpServer := &http.Server{
		Addr:              config.RPC.Bind,
		Handler:           initMux(ctx, hub),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	server := &Server{server: httpServer, hub: hub, sup: sup}
	inst.Server = server
	return server
}

func initMux(ctx context.Context, hub *SSEHub) http.Handler {
	inst := instance.GetInstance(ctx)
	config := configs.GetCurrentConfig()
	sup, _ := inst.Supervisor.(supervisor.Manager)
	a := &api{
		store: inst.Store,
		sup:   sup,
		cache: inst.Cache,
		hub:   hub,
	}

	m := mux.NewRouter()

	apiRoute := m.PathPrefix("/api").Subrouter()
	apiRoute.HandleFunc("/streams", a.listStreams).Methods("GET")
	apiRoute.HandleFunc("/streams", a.createStream).Methods("POST")
	apiRoute.HandleFunc("/streams/{id}", a.getStream).Methods("GET")
	apiRoute.HandleFunc("/streams/{id}", a.updateStream).Methods("PUT", "PATCH")
	apiRoute.HandleFunc("/streams/{id}", a.deleteStream).Methods("DELETE")
	apiRoute.HandleFunc("/streams/{id}/health", a.getHealth).Methods("GET")
	apiRoute.HandleFunc("/streams/{id}/logs", a.getLogs).Methods("GET")
	apiRoute.HandleFunc("/streams/{id}/{action}", a.streamAction).Methods("POST")
	apiRoute.HandleFunc("/processes", a.getProcesses).Methods("GET")
	apiRoute.HandleFunc("/info", a.getInfo).Methods("GET")
	apiRoute.HandleFunc("/config/debug", putDebug).Methods("PUT")
	apiRoute.Handle("/events", hub).Methods("GET")

	m.Handle("/metrics", metrics.Handler()).Methods("GET")
	m.PathPrefix("/streams/").Handler(http.StripPrefix("/streams/",
		noCacheManifest(http.FileServer(hlsFileSystem{root: http.Dir(config.StreamsPath)}))))

	return log(cors(config.RPC.CORSOrigins, m))
}

func (s *Server) Start(ctx context.Context) error {
	inst := instance.GetInstance(ctx)
	inst.WaitGroup.Add(1)
	hksentry.Go(func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			applog.GetLogger().WithError(err).Error("Server start failed")
		}
	})
	if s.sup != nil {
		hksentry.GoWithContext(ctx, s.broadcastProcesses)
	}
	applog.GetLogger().Infof("Server start at %s", s.server.Addr)
	return nil
}

// broadcastProcesses 有 SSE 客户端时定期推送进程快照
func (s *Server) broadcastProcesses(ctx context.Context) {
	ticker := time.NewTicker(processBroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.hub.Done():
			return
		case <-ticker.C:
			if s.hub.ClientCount() > 0 {
				s.hub.BroadcastProcesses(s.sup.ListActiveProcesses())
			}
		}
	}
}

func (s *Server) Close(ctx context.Context) {
	inst := instance.GetInstance(ctx)
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		applog.GetLogger().WithError(err).Error("failed to shutdown server")
	}
	inst.WaitGroup.Done()
	applog.GetLogger().Info("Server close")
}
