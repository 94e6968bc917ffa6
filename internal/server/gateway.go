package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"CoverLedger/internal/collab"
	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ingestion"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// GatewayDeps holds what the HTTP routes call into.
type GatewayDeps struct {
	Commands *ingestion.CommandService
	Queries  *query.QueryService
	Auth     collab.IdentityAuth
	Sweep    func(ctx context.Context) (int, error)
	Snapshot func(ctx context.Context) (int64, error)
	Rebuild  func(ctx context.Context) error
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

// CommandResponse reports a committed command. Amounts are decimal strings.
type CommandResponse struct {
	Sequence  int64      `json:"sequence"`
	PolicyID  *uuid.UUID `json:"policy_id,omitempty"`
	Change    string     `json:"change,omitempty"`
	Withdrawn string     `json:"withdrawn,omitempty"`
	Released  string     `json:"released,omitempty"`
	Paid      string     `json:"paid,omitempty"`
	Settled   bool       `json:"settled,omitempty"`
	Expired   int        `json:"expired,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// access is who may call a route.
type access int

const (
	public access = iota
	operatorOnly
	buyerOnly
	authenticated
)

type route struct {
	method  string
	pattern string
	name    string
	access  access
	handle  func(w http.ResponseWriter, r *http.Request, id collab.Identity, params map[string]string) (any, error)
}

type gateway struct {
	deps GatewayDeps
}

// NewGatewayMux registers the JSON API on a grpc-gateway ServeMux.
func NewGatewayMux(deps GatewayDeps) (*runtime.ServeMux, error) {
	g := &gateway{deps: deps}
	mux := runtime.NewServeMux()

	routes := []route{
		// Commands
		{http.MethodPost, "/v1/pool/deposit", "pool_deposit", operatorOnly, g.command(event.EventTypePoolDeposit, nil)},
		{http.MethodPost, "/v1/pool/withdraw", "pool_withdraw", operatorOnly, g.command(event.EventTypePoolWithdraw, nil)},
		{http.MethodPost, "/v1/policies", "policy_issue", operatorOnly, g.command(event.EventTypePolicyIssue, nil)},
		{http.MethodDelete, "/v1/policies/{id}", "policy_retire", operatorOnly, g.command(event.EventTypePolicyRetire, policyFromPath)},
		{http.MethodPost, "/v1/policies/{id}/purchase", "coverage_purchase", buyerOnly, g.command(event.EventTypeCoveragePurchase, policyAndBuyer)},
		{http.MethodPost, "/v1/coverage/claim", "claim_file", buyerOnly, g.command(event.EventTypeClaimFile, buyerFromIdentity)},
		{http.MethodPost, "/v1/coverage/approve", "claim_approve", operatorOnly, g.command(event.EventTypeClaimApprove, nil)},
		{http.MethodPost, "/v1/coverage/expire", "coverage_expire", operatorOnly, g.command(event.EventTypeCoverageExpire, nil)},
		{http.MethodPost, "/v1/admin/sweep", "lapse_sweep", operatorOnly, g.sweep},

		// Queries
		{http.MethodGet, "/v1/pool", "get_pool", public, g.getPool},
		{http.MethodGet, "/v1/policies", "list_policies", public, g.listPolicies},
		{http.MethodGet, "/v1/coverage/{buyer}", "get_records", authenticated, g.getRecords},
		{http.MethodGet, "/v1/coverage/{buyer}/history", "get_history", authenticated, g.getHistory},
		{http.MethodGet, "/v1/coverage/{buyer}/journal", "get_journal", authenticated, g.getJournal},
		{http.MethodGet, "/v1/admin/integrity", "verify_integrity", operatorOnly, g.verifyIntegrity},
		{http.MethodPost, "/v1/admin/snapshot", "take_snapshot", operatorOnly, g.takeSnapshot},
		{http.MethodPost, "/v1/admin/projections/rebuild", "rebuild_projections", operatorOnly, g.rebuildProjections},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, g.wrap(rt)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

// wrap authenticates the caller, runs the route and writes the JSON result.
func (g *gateway) wrap(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()

		id, err := g.authorize(r, rt.access)
		var body any
		if err == nil {
			body, err = rt.handle(w, r, id, params)
		}

		code := http.StatusOK
		if err != nil {
			code = g.writeError(w, rt.name, err)
		} else {
			writeJSON(w, http.StatusOK, body)
		}

		if m := g.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(rt.name, strconv.Itoa(code)).Inc()
			m.QueryDuration.WithLabelValues(rt.name).Observe(time.Since(start).Seconds())
		}
	}
}

func (g *gateway) authorize(r *http.Request, a access) (collab.Identity, error) {
	if a == public {
		return collab.Identity{}, nil
	}
	if g.deps.Auth == nil {
		return collab.Identity{}, fmt.Errorf("%w: no identity provider configured", errForbidden)
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return collab.Identity{}, core.NewError(core.KindInvalidCredential, 0, 0, "missing bearer credential")
	}
	id, err := g.deps.Auth.Verify(token)
	if err != nil {
		return collab.Identity{}, err
	}

	switch {
	case a == operatorOnly && id.Role != collab.RoleOperator,
		a == buyerOnly && id.Role != collab.RoleBuyer:
		return collab.Identity{}, fmt.Errorf("%w: role %q", errForbidden, id.Role)
	}
	return id, nil
}

// fieldsFunc derives JSON fields that override the request body.
type fieldsFunc func(id collab.Identity, params map[string]string) map[string]string

func policyFromPath(_ collab.Identity, params map[string]string) map[string]string {
	return map[string]string{"policy_id": params["id"]}
}

func policyAndBuyer(id collab.Identity, params map[string]string) map[string]string {
	return map[string]string{"policy_id": params["id"], "buyer": id.ID.String()}
}

func buyerFromIdentity(id collab.Identity, _ map[string]string) map[string]string {
	return map[string]string{"buyer": id.ID.String()}
}

func (g *gateway) command(et event.EventType, fields fieldsFunc) func(http.ResponseWriter, *http.Request, collab.Identity, map[string]string) (any, error) {
	return func(_ http.ResponseWriter, r *http.Request, id collab.Identity, params map[string]string) (any, error) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ingestion.ErrInvalidRequest, err)
		}

		var overrides map[string]string
		if fields != nil {
			overrides = fields(id, params)
		}

		res, err := g.deps.Commands.Execute(r.Context(), et, body, r.Header.Get("Idempotency-Key"), overrides)
		if err != nil {
			return nil, err
		}
		return commandResponse(et, res), nil
	}
}

func commandResponse(et event.EventType, res core.Result) CommandResponse {
	out := CommandResponse{
		Sequence: res.Sequence,
		Settled:  res.Settled,
		Expired:  res.Expired,
	}
	if res.PolicyID != uuid.Nil {
		id := res.PolicyID
		out.PolicyID = &id
	}
	if et == event.EventTypeCoveragePurchase {
		out.Change = fpmath.FormatAmount(res.Change)
	}
	if res.Withdrawn != 0 {
		out.Withdrawn = fpmath.FormatAmount(res.Withdrawn)
	}
	if res.Released != 0 {
		out.Released = fpmath.FormatAmount(res.Released)
	}
	if res.Paid != 0 {
		out.Paid = fpmath.FormatAmount(res.Paid)
	}
	return out
}

func (g *gateway) sweep(_ http.ResponseWriter, r *http.Request, _ collab.Identity, _ map[string]string) (any, error) {
	if g.deps.Sweep == nil {
		return nil, fmt.Errorf("%w: sweep not configured", ingestion.ErrInvalidRequest)
	}
	n, err := g.deps.Sweep(r.Context())
	if err != nil {
		return nil, err
	}
	return CommandResponse{Expired: n}, nil
}

func (g *gateway) getPool(_ http.ResponseWriter, r *http.Request, _ collab.Identity, _ map[string]string) (any, error) {
	return g.deps.Queries.GetPool(r.Context())
}

func (g *gateway) listPolicies(_ http.ResponseWriter, r *http.Request, _ collab.Identity, _ map[string]string) (any, error) {
	withRetired, _ := strconv.ParseBool(r.URL.Query().Get("include_retired"))
	return g.deps.Queries.ListPolicies(r.Context(), withRetired)
}

// buyerParam resolves the {buyer} path parameter; buyers may only read
// their own records.
func buyerParam(id collab.Identity, params map[string]string) (uuid.UUID, error) {
	buyer, err := uuid.Parse(params["buyer"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: buyer: %v", ingestion.ErrInvalidRequest, err)
	}
	if id.Role != collab.RoleOperator && id.ID != buyer {
		return uuid.Nil, fmt.Errorf("%w: records of another buyer", errForbidden)
	}
	return buyer, nil
}

func (g *gateway) getRecords(_ http.ResponseWriter, r *http.Request, id collab.Identity, params map[string]string) (any, error) {
	buyer, err := buyerParam(id, params)
	if err != nil {
		return nil, err
	}

	if p := r.URL.Query().Get("policy_id"); p != "" {
		policyID, err := uuid.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("%w: policy_id: %v", ingestion.ErrInvalidRequest, err)
		}
		rec, err := g.deps.Queries.GetRecord(r.Context(), buyer, policyID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, core.NewError(core.KindNotFound, 0, 0, "no record for buyer %s policy %s", buyer, policyID)
		}
		return rec, nil
	}

	return g.deps.Queries.GetRecords(r.Context(), buyer)
}

func (g *gateway) getHistory(_ http.ResponseWriter, r *http.Request, id collab.Identity, params map[string]string) (any, error) {
	buyer, err := buyerParam(id, params)
	if err != nil {
		return nil, err
	}
	limit, err := limitParam(r)
	if err != nil {
		return nil, err
	}
	return g.deps.Queries.GetHistory(buyer, limit), nil
}

func (g *gateway) getJournal(_ http.ResponseWriter, r *http.Request, id collab.Identity, params map[string]string) (any, error) {
	buyer, err := buyerParam(id, params)
	if err != nil {
		return nil, err
	}
	limit, err := limitParam(r)
	if err != nil {
		return nil, err
	}

	var before *int64
	if s := r.URL.Query().Get("before_sequence"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: before_sequence: %v", ingestion.ErrInvalidRequest, err)
		}
		before = &v
	}
	return g.deps.Queries.GetJournalHistory(r.Context(), buyer, limit, before)
}

func (g *gateway) verifyIntegrity(_ http.ResponseWriter, r *http.Request, _ collab.Identity, _ map[string]string) (any, error) {
	return g.deps.Queries.VerifyIntegrity(r.Context())
}

type adminResponse struct {
	Sequence int64  `json:"sequence,omitempty"`
	Status   string `json:"status"`
}

func (g *gateway) takeSnapshot(_ http.ResponseWriter, r *http.Request, _ collab.Identity, _ map[string]string) (any, error) {
	if g.deps.Snapshot == nil {
		return nil, fmt.Errorf("%w: snapshots not configured", ingestion.ErrInvalidRequest)
	}
	seq, err := g.deps.Snapshot(r.Context())
	if err != nil {
		return nil, err
	}
	return adminResponse{Sequence: seq, Status: "snapshot taken"}, nil
}

func (g *gateway) rebuildProjections(_ http.ResponseWriter, r *http.Request, _ collab.Identity, _ map[string]string) (any, error) {
	if g.deps.Rebuild == nil {
		return nil, fmt.Errorf("%w: projections not configured", ingestion.ErrInvalidRequest)
	}
	if err := g.deps.Rebuild(r.Context()); err != nil {
		return nil, err
	}
	return adminResponse{Status: "projections rebuilt"}, nil
}

func limitParam(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 100, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 1000 {
		return 0, fmt.Errorf("%w: limit must be in 1..1000", ingestion.ErrInvalidRequest)
	}
	return n, nil
}

func (g *gateway) writeError(w http.ResponseWriter, endpoint string, err error) int {
	st := StatusFromError(err)
	code := runtime.HTTPStatusFromCode(st.Code())

	resp := errorResponse{Code: st.Code().String(), Message: st.Message()}
	var ce *core.Error
	if errors.As(err, &ce) {
		resp.Kind = ce.Kind.String()
	}

	if m := g.deps.Metrics; m != nil {
		m.QueryErrors.WithLabelValues(endpoint, resp.Code).Inc()
	}
	if code >= http.StatusInternalServerError {
		g.deps.Logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
	}

	writeJSON(w, code, resp)
	return code
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
