package server

import (
	"context"
	"database/sql"
	"encoding/json"

	"PerpClearing/internal/errs"
	"PerpClearing/internal/projection"
	"PerpClearing/internal/query"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const QueryServiceName = "perpclearing.v1.QueryService"

type listRequest struct {
	Trader    string `json:"trader"`
	Market    string `json:"market"`
	PageSize  int    `json:"page_size"`
	BeforeSeq int64  `json:"before_sequence"`
}

// QueryService serves the Postgres read models and admin operations over
// the event log.
type QueryService struct {
	db      *sql.DB
	qs      *query.QueryService
	methods map[string]handlerFunc
	logger  zerolog.Logger
}

func NewQueryService(db *sql.DB, qs *query.QueryService, logger zerolog.Logger) *QueryService {
	s := &QueryService{db: db, qs: qs, logger: logger}
	s.methods = map[string]handlerFunc{
		"GetBalances":        s.getBalances,
		"ListPositions":      s.listPositions,
		"ListOpenOrders":     s.listOpenOrders,
		"ListFundingHistory": s.listFundingHistory,
		"ListJournals":       s.listJournals,
		"VerifyIntegrity":    s.verifyIntegrity,
		"RebuildProjections": s.rebuildProjections,
	}
	return s
}

func (s *QueryService) Methods() []string {
	return sortedKeys(s.methods)
}

func (s *QueryService) Invoke(ctx context.Context, method string, req json.RawMessage) (any, error) {
	h, ok := s.methods[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	resp, err := h(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func decodeList(raw json.RawMessage, defaultSize, maxSize int) (listRequest, uuid.UUID, error) {
	var req listRequest
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			return req, uuid.Nil, errs.Invalid("parse request: %v", err)
		}
	}
	if req.PageSize <= 0 || req.PageSize > maxSize {
		req.PageSize = defaultSize
	}
	trader, err := uuid.Parse(req.Trader)
	if err != nil {
		return req, uuid.Nil, errs.Invalid("parse trader: %v", err)
	}
	return req, trader, nil
}

func (req listRequest) market() *string {
	if req.Market == "" {
		return nil
	}
	return &req.Market
}

func (req listRequest) before() *int64 {
	if req.BeforeSeq <= 0 {
		return nil
	}
	return &req.BeforeSeq
}

func (s *QueryService) getBalances(ctx context.Context, raw json.RawMessage) (any, error) {
	_, trader, err := decodeList(raw, 1, 1)
	if err != nil {
		return nil, err
	}
	balances, err := s.qs.GetBalances(ctx, trader)
	if err != nil {
		return nil, err
	}
	return map[string]any{"balances": balances}, nil
}

func (s *QueryService) listPositions(ctx context.Context, raw json.RawMessage) (any, error) {
	_, trader, err := decodeList(raw, 1, 1)
	if err != nil {
		return nil, err
	}
	positions, err := s.qs.GetPositions(ctx, trader)
	if err != nil {
		return nil, err
	}
	return map[string]any{"positions": positions}, nil
}

func (s *QueryService) listOpenOrders(ctx context.Context, raw json.RawMessage) (any, error) {
	req, trader, err := decodeList(raw, 1, 1)
	if err != nil {
		return nil, err
	}
	orders, err := s.qs.GetOpenOrders(ctx, trader, req.market())
	if err != nil {
		return nil, err
	}
	return map[string]any{"orders": orders}, nil
}

func (s *QueryService) listFundingHistory(ctx context.Context, raw json.RawMessage) (any, error) {
	req, trader, err := decodeList(raw, 50, 100)
	if err != nil {
		return nil, err
	}
	history, err := s.qs.GetFundingHistory(ctx, trader, req.market(), req.PageSize, req.before())
	if err != nil {
		return nil, err
	}
	return map[string]any{"payments": history}, nil
}

func (s *QueryService) listJournals(ctx context.Context, raw json.RawMessage) (any, error) {
	req, trader, err := decodeList(raw, 100, 500)
	if err != nil {
		return nil, err
	}
	journals, err := s.qs.GetJournalHistory(ctx, trader, req.PageSize, req.before())
	if err != nil {
		return nil, err
	}
	return map[string]any{"journals": journals}, nil
}

func (s *QueryService) verifyIntegrity(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.qs.VerifyIntegrity(ctx)
}

func (s *QueryService) rebuildProjections(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := projection.RebuildProjections(ctx, s.db, s.logger); err != nil {
		return nil, err
	}
	return map[string]bool{"rebuilt": true}, nil
}
