// Package ipc exposes the cache's read accessors and the relocation
// queue to sibling processes over HTTP (SPEC_FULL.md §4.12/§6 / C12).
// This is the "IPC service thread" the concurrency model describes as a
// peer of the control loop: it only ever reads the cache or appends to
// the relocation queue, never mutates group or proxy state directly.
package ipc

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/zabbix-tools/pgmanager/internal/pgcache"
)

// Server is the IPC accessor HTTP server.
type Server struct {
	cache  *pgcache.Cache
	server *http.Server
}

// New creates and configures the IPC server. Start has not been called yet.
func New(addr string, cache *pgcache.Cache) *Server {
	s := &Server{cache: cache}

	mux := http.NewServeMux()
	mux.HandleFunc("/groups", s.handleGroups)
	mux.HandleFunc("/proxies", s.handleProxies)
	mux.HandleFunc("/hostmap", s.handleHostMap)
	mux.HandleFunc("/relocate", s.handleRelocate)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop shuts down the server gracefully.
func (s *Server) Stop() error {
	return s.server.Close()
}

// -----------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------

// GroupInfo is a serialisable snapshot of a single group's state.
type GroupInfo struct {
	GroupID    uint64 `json:"groupid"`
	Status     string `json:"status"`
	MinOnline  int    `json:"min_online"`
	ProxyCount int    `json:"proxy_count"`
	HostCount  int    `json:"host_count"`
}

// ProxyInfo is a serialisable snapshot of a single proxy's state.
type ProxyInfo struct {
	ProxyID    uint64 `json:"proxyid"`
	Name       string `json:"name"`
	GroupID    uint64 `json:"groupid"`
	Status     string `json:"status"`
	LastAccess int64  `json:"lastaccess"`
}

// RelocateRequest is the payload for POST /relocate.
type RelocateRequest struct {
	ObjID uint64 `json:"objid"`
	SrcID uint64 `json:"srcid"`
	DstID uint64 `json:"dstid"`
}

// -----------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------

// handleGroups returns every group's current status snapshot.
//
//	GET /groups
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.cache.Lock()
	defer s.cache.Unlock()

	var infos []GroupInfo
	for _, g := range s.cache.GroupsLocked() {
		infos = append(infos, GroupInfo{
			GroupID:    g.GroupID,
			Status:     g.Status.String(),
			MinOnline:  g.MinOnline,
			ProxyCount: len(g.Proxies),
			HostCount:  len(g.HostIDs),
		})
	}
	jsonOK(w, infos)
}

// handleProxies returns every proxy's current status snapshot.
//
//	GET /proxies
func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.cache.Lock()
	defer s.cache.Unlock()

	var infos []ProxyInfo
	for _, px := range s.cache.ProxiesLocked() {
		infos = append(infos, ProxyInfo{
			ProxyID:    px.ProxyID,
			Name:       px.Name,
			GroupID:    px.GroupID,
			Status:     px.Status.String(),
			LastAccess: px.LastAccess,
		})
	}
	jsonOK(w, infos)
}

// handleHostMap returns the full host->proxy assignment table.
//
//	GET /hostmap
func (s *Server) handleHostMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.cache.Lock()
	defer s.cache.Unlock()

	out := make(map[uint64]uint64, len(s.cache.HPMapLocked()))
	for hostID, hm := range s.cache.HPMapLocked() {
		out[hostID] = hm.ProxyID
	}
	jsonOK(w, out)
}

// handleRelocate queues a proxy relocation event for the control loop to
// apply on its next pass.
//
//	POST /relocate
//	Body: {"objid": 5, "srcid": 0, "dstid": 7}
func (s *Server) handleRelocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RelocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.ObjID == 0 {
		http.Error(w, "objid is required", http.StatusBadRequest)
		return
	}

	s.cache.QueueRelocation(pgcache.Relocation{ObjID: req.ObjID, SrcID: req.SrcID, DstID: req.DstID})
	log.Printf("[ipc] queued relocation: proxy %d, %d -> %d", req.ObjID, req.SrcID, req.DstID)
	jsonOK(w, map[string]any{"ok": true})
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ipc] encode response: %v", err)
	}
}
