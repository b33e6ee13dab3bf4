package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/wyvernglobal/junknas/pkg/config"
	"github.com/wyvernglobal/junknas/pkg/constants"
	"github.com/wyvernglobal/junknas/pkg/errs"
	"github.com/wyvernglobal/junknas/pkg/mesh"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// localState assembles the full local mesh state for the JSON surface. The
// dashboard sees peers and mounts regardless of role; only outbound sync
// payloads are emptied for end nodes.
func (s *Server) localState() mesh.State {
	cfg := s.cfg.Snapshot()
	return mesh.State{
		PublicKey:        cfg.WireGuard.PublicKey,
		Endpoint:         cfg.WireGuard.Endpoint,
		WGIP:             cfg.WireGuard.WGIP,
		WebPort:          cfg.WebPort,
		NodeState:        cfg.NodeState,
		Peers:            cfg.WGPeers,
		MountPoints:      cfg.DataMountPoints,
		MountsUpdatedAt:  cfg.DataMountPointsUpdatedAt,
		WGPeersUpdatedAt: cfg.WGPeersUpdatedAt,
	}
}

// handleMeshState serves GET /mesh/peers.
func (s *Server) handleMeshState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.localState())
}

// handleMeshMerge serves POST /mesh/peers: fold the caller's state in and
// echo the merged local state. The merge has fully committed before the
// response is written.
func (s *Server) handleMeshMerge(w http.ResponseWriter, r *http.Request) {
	var incoming mesh.State
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		s.error(w, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err))
		return
	}
	if _, err := mesh.Merge(s.cfg, incoming); err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, s.localState())
}

// handleMeshConfigGet serves GET /mesh/config: the full local configuration
// including the bootstrap list and identity.
func (s *Server) handleMeshConfigGet(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Snapshot()
	writeJSON(w, &cfg)
}

// meshConfigUpdate is the body of POST /mesh/config. Absent fields leave the
// corresponding sequence untouched.
type meshConfigUpdate struct {
	BootstrapPeers *[]string      `json:"bootstrap_peers,omitempty"`
	WGPeers        *[]config.Peer `json:"wg_peers,omitempty"`
	NodeState      string         `json:"node_state,omitempty"`
}

// handleMeshConfigPost replaces the bootstrap and/or peer lists and echoes
// the resulting configuration.
func (s *Server) handleMeshConfigPost(w http.ResponseWriter, r *http.Request) {
	var upd meshConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.error(w, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err))
		return
	}
	if upd.BootstrapPeers != nil {
		if err := s.cfg.SetBootstrapPeers(*upd.BootstrapPeers); err != nil {
			s.error(w, err)
			return
		}
	}
	if upd.WGPeers != nil {
		if err := s.cfg.SetPeers(*upd.WGPeers); err != nil {
			s.error(w, err)
			return
		}
	}
	if upd.NodeState != "" {
		if err := s.cfg.SetNodeState(upd.NodeState); err != nil {
			s.error(w, err)
			return
		}
	}
	cfg := s.cfg.Snapshot()
	writeJSON(w, &cfg)
}

// peerStatus is one row of the status surface.
type peerStatus struct {
	PublicKey string `json:"public_key,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	WGIP      string `json:"wg_ip,omitempty"`
	Status    string `json:"status"`
}

// statusResponse is the body of GET /mesh/status.
type statusResponse struct {
	Role       string       `json:"role"`
	NodeState  string       `json:"node_state"`
	Standalone bool         `json:"standalone"`
	Active     bool         `json:"active"`
	Bootstrap  []peerStatus `json:"bootstrap_peers"`
	Peers      []peerStatus `json:"wg_peers"`
	UsedBytes  uint64       `json:"used_bytes"`
	QuotaBytes uint64       `json:"quota_bytes"`
}

// handleMeshStatus serves GET /mesh/status: the derived role, per-target
// reachability, and the storage figures the dashboard renders.
func (s *Server) handleMeshStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Snapshot()
	tracker := s.coord.Tracker()

	resp := statusResponse{
		Role:       mesh.Role(&cfg, tracker),
		NodeState:  cfg.NodeState,
		Standalone: len(cfg.BootstrapPeers) == 0 && len(cfg.WGPeers) == 0,
		Active:     len(cfg.WGPeers) > 0,
		Bootstrap:  make([]peerStatus, 0, len(cfg.BootstrapPeers)),
		Peers:      make([]peerStatus, 0, len(cfg.WGPeers)),
		UsedBytes:  s.chunks.Usage(),
		QuotaBytes: s.chunks.Quota(),
	}
	for _, ep := range cfg.BootstrapPeers {
		resp.Bootstrap = append(resp.Bootstrap, peerStatus{
			Endpoint: ep,
			Status:   tracker.Get(ep),
		})
	}
	for _, p := range cfg.WGPeers {
		resp.Peers = append(resp.Peers, peerStatus{
			PublicKey: p.PublicKey,
			Endpoint:  p.Endpoint,
			WGIP:      p.WGIP,
			Status:    tracker.Get(p.PublicKey),
		})
	}
	writeJSON(w, resp)
}

// handleMeshBootstrap serves POST /mesh/bootstrap: mint a join-config. Only
// node-role hosts may mint; end nodes answer 403.
func (s *Server) handleMeshBootstrap(w http.ResponseWriter, _ *http.Request) {
	jc, err := s.coord.Mint()
	if err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, jc)
}

// handleMeshJoin serves POST /mesh/join.
func (s *Server) handleMeshJoin(w http.ResponseWriter, r *http.Request) {
	var req mesh.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err))
		return
	}
	if err := s.coord.Join(r.Context(), req); err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleMeshAlternate serves POST /mesh/alternate.
func (s *Server) handleMeshAlternate(w http.ResponseWriter, r *http.Request) {
	var req mesh.AlternateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err))
		return
	}
	if err := s.coord.Alternate(req); err != nil {
		s.error(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleMeshSync serves POST /mesh/sync: one synchronous round against every
// configured target.
func (s *Server) handleMeshSync(w http.ResponseWriter, r *http.Request) {
	n := s.coord.SyncOnce(r.Context())
	writeJSON(w, map[string]int{"synced": n})
}

// handleUI serves the HTML shell the dashboard mounts itself into. End nodes
// do not offer join-config minting, which the shell learns from its data
// attribute.
func (s *Server) handleUI(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Snapshot()
	canMint := "false"
	if cfg.NodeState == constants.NodeStateNode {
		canMint = "true"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, uiShell, canMint)
}
