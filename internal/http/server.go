package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"grainrt/internal/config"
	"grainrt/pkg/cluster"
	"grainrt/pkg/membership"
	"grainrt/pkg/membership/rafttable"
	"grainrt/pkg/telemetry"
	"grainrt/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
	maxBodyBytes           = 8 << 20
)

type iDirectory interface {
	Handle(ctx context.Context, msg cluster.Message) (cluster.Reply, error)
	Lookup(ctx context.Context, g types.GrainID) (types.ActivationAddress, bool, error)
}

type iMembership interface {
	HandleProbe(from types.SiloAddress) error
	HandleGossip(from types.SiloAddress, version int64)
	CurrentView() *membership.View
}

// iRaftNode - нода raft-таблицы членства, если она используется
type iRaftNode interface {
	IsLeader() bool
	LeaderID() uint64
	Handle(ctx context.Context, message raftpb.Message) error
}

// Server serves the internal silo-to-silo routes and the small admin API.
type Server struct {
	dir        iDirectory
	oracle     iMembership
	node       iRaftNode
	httpServer *http.Server
	listener   net.Listener
	URL        string
	addr       string
	cfg        config.ServerConfig
	log        *slog.Logger
}

// NewServer creates a new server instance
func NewServer(cfg config.ServerConfig, dir iDirectory, oracle iMembership, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = time.Second
	}
	port := strconv.Itoa(cfg.Port)
	return &Server{
		dir:    dir,
		oracle: oracle,
		cfg:    cfg,
		URL:    "http://localhost:" + port,
		addr:   ":" + port,
		log:    log.With("component", "http"),
	}
}

// SetRaftNode enables the raft route. Must be called before Start.
func (s *Server) SetRaftNode(node iRaftNode) {
	s.node = node
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.log.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/health", telemetry.Instrument("health", http.HandlerFunc(s.handleHealth)))
	r.Method(http.MethodGet, "/metrics", telemetry.MetricsHandler())

	r.Method(http.MethodPost, cluster.DirectoryPath, telemetry.Instrument("directory", http.HandlerFunc(s.handleDirectory)))
	r.Method(http.MethodPost, cluster.ProbePath, telemetry.Instrument("probe", http.HandlerFunc(s.handleProbe)))
	r.Method(http.MethodPost, cluster.GossipPath, telemetry.Instrument("gossip", http.HandlerFunc(s.handleGossip)))

	r.Method(http.MethodGet, "/api/directory/{type}/{key}", telemetry.Instrument("lookup", http.HandlerFunc(s.handleLookup)))
	r.Method(http.MethodGet, "/api/membership", telemetry.Instrument("membership", http.HandlerFunc(s.handleMembership)))

	// Raft endpoint только если есть node
	if s.node != nil {
		r.Method(http.MethodPost, rafttable.RaftPath, telemetry.Instrument("raft", http.HandlerFunc(s.handleRaft)))
	}

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("Error encoding response", "error", err)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

// handleDirectory отвечает 200 на любой разобранный запрос: ошибки
// обработчика уходят в Reply.Code, не-200 для клиента значит сбой транспорта
func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	msg, err := cluster.Decode(body)
	if err != nil {
		if errors.Is(err, cluster.ErrUnknownMessage) {
			s.writeJSON(w, http.StatusOK, cluster.ErrorReply(err))
			return
		}
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	reply, err := s.dir.Handle(r.Context(), msg)
	if err != nil {
		reply = cluster.ErrorReply(err)
	}
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	var req cluster.ProbeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.oracle.HandleProbe(req.From); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	var req cluster.GossipRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	s.oracle.HandleGossip(req.From, req.Version)
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	typeCode, err := strconv.ParseUint(chi.URLParam(r, "type"), 10, 32)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad grain type"))
		return
	}
	key := chi.URLParam(r, "key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	addr, found, err := s.dir.Lookup(r.Context(), types.GrainID{TypeCode: uint32(typeCode), Key: key})
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Grain not registered"))
		return
	}
	s.writeJSON(w, http.StatusOK, addr)
}

type siloView struct {
	Silo         types.SiloAddress `json:"silo"`
	Status       types.SiloStatus  `json:"status"`
	SiloName     string            `json:"silo_name,omitempty"`
	IAmAliveTime time.Time         `json:"i_am_alive_time"`
	Suspicions   int               `json:"suspicions,omitempty"`
}

type membershipView struct {
	Version    int64      `json:"version"`
	Silos      []siloView `json:"silos"`
	RaftLeader uint64     `json:"raft_leader,omitempty"`
}

func (s *Server) handleMembership(w http.ResponseWriter, r *http.Request) {
	v := s.oracle.CurrentView()
	out := membershipView{Version: v.Version, Silos: make([]siloView, 0, len(v.Entries))}
	for silo, e := range v.Entries {
		out.Silos = append(out.Silos, siloView{
			Silo:         silo,
			Status:       e.Status,
			SiloName:     e.SiloName,
			IAmAliveTime: e.IAmAliveTime,
			Suspicions:   len(e.SuspectTimes),
		})
	}
	sort.Slice(out.Silos, func(i, j int) bool { return out.Silos[i].Silo.Compare(out.Silos[j].Silo) < 0 })
	if s.node != nil {
		out.RaftLeader = s.node.LeaderID()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
