package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

var errorMarshaler = &runtime.JSONPb{}

func (s *GRPCServer) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"POST", "/v1/{operation}", s.postCommand},
		{"GET", "/v1/positions/{trader}/{market}", s.forward(s.clearing, "GetPosition", "trader", "market")},
		{"GET", "/v1/orders/{order_id}", s.forward(s.clearing, "GetOpenOrder", "order_id")},
		{"GET", "/v1/traders/{trader}/orders/{market}", s.forward(s.clearing, "GetOpenOrderIds", "trader", "market")},
		{"GET", "/v1/traders/{trader}/free-collateral", s.forward(s.clearing, "GetFreeCollateral", "trader")},
	}
	if s.queries != nil {
		routes = append(routes, []struct {
			method  string
			pattern string
			handler runtime.HandlerFunc
		}{
			{"GET", "/v1/traders/{trader}/balances", s.forward(s.queries, "GetBalances", "trader")},
			{"GET", "/v1/traders/{trader}/positions", s.forward(s.queries, "ListPositions", "trader")},
			{"GET", "/v1/traders/{trader}/orders", s.forward(s.queries, "ListOpenOrders", "trader")},
			{"GET", "/v1/traders/{trader}/funding", s.forward(s.queries, "ListFundingHistory", "trader")},
			{"GET", "/v1/traders/{trader}/journals", s.forward(s.queries, "ListJournals", "trader")},
			{"GET", "/v1/admin/integrity", s.forward(s.queries, "VerifyIntegrity")},
			{"POST", "/v1/admin/rebuild-projections", s.forward(s.queries, "RebuildProjections")},
		}...)
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return err
		}
	}
	return nil
}

// postCommand submits the request body as the named command.
func (s *GRPCServer) postCommand(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, status.Error(codes.InvalidArgument, err.Error()))
		return
	}
	resp, err := s.clearing.Invoke(r.Context(), params["operation"], body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

// forward builds a request from path parameters and query string values and
// invokes a read method.
func (s *GRPCServer) forward(inv Invoker, method string, pathParams ...string) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		req := map[string]any{}
		for key, values := range r.URL.Query() {
			if len(values) == 0 {
				continue
			}
			if n, err := strconv.ParseInt(values[0], 10, 64); err == nil {
				req[key] = n
			} else {
				req[key] = values[0]
			}
		}
		for _, p := range pathParams {
			req[p] = params[p]
		}

		raw, err := json.Marshal(req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp, err := inv.Invoke(r.Context(), method, raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, resp)
	}
}

// writeError renders a gRPC status with the gateway's HTTP mapping.
func (s *GRPCServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	runtime.HTTPError(r.Context(), s.gatewayMux, errorMarshaler, w, r, toStatus(err))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
