package node

import (
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkv/internal/telemetry"
	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
	"github.com/ryandielhenn/zephyrkv/pkg/hlc"
	"github.com/ryandielhenn/zephyrkv/pkg/kv"
)

// Node ties a membership service and a local store together behind the
// client-facing HTTP API.
type Node struct {
	members    *gossip.Service
	kv         *kv.Store
	router     *Router
	clientAddr string
	lg         *zap.Logger
}

func NewNode(members *gossip.Service, store *kv.Store, clientAddr string, lg *zap.Logger) *Node {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Node{
		members:    members,
		kv:         store,
		router:     NewRouter(members, store, lg.Named("router")),
		clientAddr: clientAddr,
		lg:         lg,
	}
}

func (n *Node) Router() *Router { return n.router }

func (n *Node) Addr() string { return n.clientAddr }

// MemberInfo describes one live member.
type MemberInfo struct {
	ID    string `json:"id"`
	Added string `json:"added"` // HLC physical.logical
	Slots int    `json:"slots"`
}

// Info is the /info payload.
type Info struct {
	PID        int          `json:"pid"`
	Now        time.Time    `json:"now"`
	Name       string       `json:"name"`
	PeerHost   string       `json:"peer_host"`
	ClientHost string       `json:"client_host"`
	Items      int          `json:"items"`
	Members    []MemberInfo `json:"members"`
	Suspects   []string     `json:"suspects"`
}

func (n *Node) Info() Info {
	self := n.members.Self()
	slots := n.members.Table().Owners()

	info := Info{
		PID:        os.Getpid(),
		Now:        time.Now(),
		Name:       self.Name,
		PeerHost:   self.HostPort(),
		ClientHost: NormalizeHostPort(n.clientAddr, "8080"),
		Items:      n.kv.Len(),
		Members:    []MemberInfo{},
		Suspects:   []string{},
	}
	for _, m := range n.members.Members() {
		info.Members = append(info.Members, MemberInfo{
			ID:    m.ID.String(),
			Added: hlc.Unpack(m.Timestamp).String(),
			Slots: slots[m.ID.Name],
		})
	}
	for _, id := range n.members.Suspects() {
		info.Suspects = append(info.Suspects, id.String())
	}
	sort.Strings(info.Suspects)
	return info
}

// Handler serves the client API:
//
//	GET|PUT|DELETE /kv/{table}/{pkey}
//	POST /txn
//	GET /healthz, /info, /metrics
func (n *Node) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", n.Healthz).Methods(http.MethodGet)
	r.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.InfoHandler))).Methods(http.MethodGet)
	r.Handle("/metrics", telemetry.MetricsHandler())

	kvPath := "/kv/{table}/{pkey}"
	r.Handle(kvPath, telemetry.Instrument("get", http.HandlerFunc(n.Get))).Methods(http.MethodGet)
	r.Handle(kvPath, telemetry.Instrument("put", http.HandlerFunc(n.Put))).Methods(http.MethodPut, http.MethodPost)
	r.Handle(kvPath, telemetry.Instrument("delete", http.HandlerFunc(n.Del))).Methods(http.MethodDelete)
	r.Handle("/txn", telemetry.Instrument("txn", http.HandlerFunc(n.Txn))).Methods(http.MethodPost)
	return r
}
