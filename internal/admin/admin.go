// Package admin implements the request handlers behind Myco's
// administrative API, per spec.md §6: GET /metrics and POST /deploy.
// HTTP/UDS framing is an external collaborator's job (spec.md §1) — this
// package only computes each handler's response body from its input.
package admin

import (
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"

	"github.com/myco-mesh/myco/internal/node"
)

// Handlers implements the admin request surface described in spec.md §6
// against one Node.
type Handlers struct {
	node *node.Node

	authToken     string
	authTokenPrev string
}

// New builds a Handlers serving n. authToken/authTokenPrev are the bearer
// tokens recognized by [Handlers.Authorized] (spec.md §6's rotation pair);
// either may be empty, meaning no token is accepted for that slot. If both
// are empty, authorization is disabled and [Handlers.Authorized] always
// succeeds.
func New(n *node.Node, authToken, authTokenPrev string) *Handlers {
	return &Handlers{node: n, authToken: authToken, authTokenPrev: authTokenPrev}
}

// Authorized reports whether presented (the bearer token from an incoming
// request's Authorization header, already stripped of the "Bearer "
// prefix by the caller) is accepted.
//
// Comparisons are constant-time so response latency can't leak how much of
// the token a guess got right.
func (h *Handlers) Authorized(presented string) bool {
	if h.authToken == "" && h.authTokenPrev == "" {
		return true
	}

	if h.authToken != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(h.authToken)) == 1 {
		return true
	}

	if h.authTokenPrev != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(h.authTokenPrev)) == 1 {
		return true
	}

	return false
}

// Metrics renders the GET /metrics body: node_id, knowledge_height,
// services_known, last_deployed, and packet_mac_failures, per spec.md §6,
// plus the supplemented live_peers gauge (SPEC_FULL.md §3).
func (h *Handlers) Metrics() string {
	s := h.node.Snapshot()

	var b strings.Builder

	fmt.Fprintf(&b, "node_id=%d\n", s.NodeID)
	fmt.Fprintf(&b, "knowledge_height=%d\n", s.KnowledgeHeight)
	fmt.Fprintf(&b, "services_known=%d\n", s.ServiceCount)
	fmt.Fprintf(&b, "last_deployed=%d\n", s.LastDeployedID)
	fmt.Fprintf(&b, "packet_mac_failures=%d\n", s.MACFailures)
	fmt.Fprintf(&b, "live_peers=%d\n", s.LivePeers)

	return b.String()
}

// DeployResult is the outcome of a [Handlers.Deploy] call: the status code
// and response body an HTTP adapter should send.
type DeployResult struct {
	StatusCode int
	Body       string
}

// Deploy handles POST /deploy: body must be exactly sizeof(Service) bytes,
// per spec.md §6. nowMS is the caller-supplied wall clock, matching
// [node.Node.InjectService]'s signature.
func (h *Handlers) Deploy(body []byte, nowMS uint64) DeployResult {
	if len(body) != node.ServiceSize {
		return DeployResult{
			StatusCode: 400,
			Body:       "bad request: want " + strconv.Itoa(node.ServiceSize) + " bytes, got " + strconv.Itoa(len(body)),
		}
	}

	svc, err := node.DecodeService(body)
	if err != nil {
		return DeployResult{StatusCode: 400, Body: "bad request: " + err.Error()}
	}

	accepted, err := h.node.InjectService(svc, nowMS)
	if err != nil {
		return DeployResult{StatusCode: 500, Body: "deploy failed: " + err.Error()}
	}

	if !accepted {
		return DeployResult{StatusCode: 200, Body: "Already up to date"}
	}

	return DeployResult{StatusCode: 200, Body: "Deployed ID " + strconv.FormatUint(svc.ID, 10)}
}
