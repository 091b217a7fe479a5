// Package service provides the HTTP handlers for the options engine and the
// event sink that keeps the off-chain mirror, metrics and WebSocket clients
// in sync with the book.
//
// The service carries no settlement logic: every mutation goes through the
// book's public operations, and every core error maps 1:1 to a distinct
// response so callers can tell "retry later" from "never valid".
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optbook/options-engine/internal/asset"
	"github.com/optbook/options-engine/internal/book"
	"github.com/optbook/options-engine/internal/metrics"
	"github.com/optbook/options-engine/internal/model"
	"github.com/optbook/options-engine/internal/option"
	"github.com/optbook/options-engine/internal/oracle"
	"github.com/optbook/options-engine/internal/payoff"
	"github.com/optbook/options-engine/internal/store"
)

// Service handles option operations over HTTP and mirrors book events.
type Service struct {
	book  *book.Book
	store store.Store
	wsHub *WSHub // optional WebSocket hub for real-time broadcasts
}

// New creates a new service. Pass nil for hub if WebSocket broadcasting is
// not needed. Install s.HandleEvent as the book's event sink.
func New(b *book.Book, st store.Store, hub *WSHub) *Service {
	return &Service{
		book:  b,
		store: st,
		wsHub: hub,
	}
}

// --- Request/Response types ---

// CreateOptionRequest is the JSON body for option creation. The short is
// the authenticated creator; identity verification is deployment concern
// (reverse proxy / gateway), the engine trusts the asserted identity.
type CreateOptionRequest struct {
	Short            string          `json:"short"`
	IsCall           bool            `json:"is_call"`
	PayoffType       string          `json:"payoff_type"` // linear | quadratic | logarithmic
	UnderlyingAsset  string          `json:"underlying_asset"`
	StrikeAsset      string          `json:"strike_asset"`
	UnderlyingSymbol string          `json:"underlying_symbol"`
	StrikeSymbol     string          `json:"strike_symbol"`
	StrikePrice      decimal.Decimal `json:"strike_price"`
	Size             decimal.Decimal `json:"size"`
	Premium          decimal.Decimal `json:"premium"`
}

// EnterRequest is the JSON body for entering an option as the long.
type EnterRequest struct {
	Long string `json:"long"`
}

// ExerciseRequest is the JSON body for resolve-and-exercise. For calls
// RequestedAmount is the quote-asset spend; for puts the base-asset
// delivery. Amounts beyond the contract's capacity are clamped.
type ExerciseRequest struct {
	Long            string          `json:"long"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
}

// ExerciseResponse reports both settlement legs.
type ExerciseResponse struct {
	OptionID    string          `json:"option_id"`
	QuoteAmount decimal.Decimal `json:"quote_amount"`
	BaseAmount  decimal.Decimal `json:"base_amount"`
}

// ReclaimRequest is the JSON body for resolve-and-reclaim.
type ReclaimRequest struct {
	Short string `json:"short"`
}

// ReclaimResponse reports the collateral returned to the short.
type ReclaimResponse struct {
	OptionID       string          `json:"option_id"`
	ReturnedAmount decimal.Decimal `json:"returned_amount"`
}

// --- HTTP Handlers ---

// CreateOption handles POST /api/v1/options
func (s *Service) CreateOption(w http.ResponseWriter, r *http.Request) {
	var req CreateOptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	payoffType, err := model.ParsePayoffType(req.PayoffType)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	meta, err := s.book.CreateAndFundOption(r.Context(), book.CreateParams{
		Short:            req.Short,
		IsCall:           req.IsCall,
		PayoffType:       payoffType,
		UnderlyingAsset:  req.UnderlyingAsset,
		StrikeAsset:      req.StrikeAsset,
		UnderlyingSymbol: req.UnderlyingSymbol,
		StrikeSymbol:     req.StrikeSymbol,
		StrikePrice:      req.StrikePrice,
		Size:             req.Size,
		Premium:          req.Premium,
	})
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(meta)
}

// EnterOption handles POST /api/v1/options/{optionID}/enter
func (s *Service) EnterOption(w http.ResponseWriter, r *http.Request) {
	optionID := chi.URLParam(r, "optionID")

	var req EnterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Long == "" {
		writeError(w, "long is required", http.StatusBadRequest)
		return
	}

	meta, err := s.book.EnterAndPayPremium(r.Context(), optionID, req.Long)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

// ExerciseOption handles POST /api/v1/options/{optionID}/exercise
func (s *Service) ExerciseOption(w http.ResponseWriter, r *http.Request) {
	optionID := chi.URLParam(r, "optionID")

	var req ExerciseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Long == "" {
		writeError(w, "long is required", http.StatusBadRequest)
		return
	}

	res, err := s.book.ResolveAndExercise(r.Context(), optionID, req.Long, req.RequestedAmount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ExerciseResponse{
		OptionID:    optionID,
		QuoteAmount: res.QuoteAmount,
		BaseAmount:  res.BaseAmount,
	})
}

// ReclaimOption handles POST /api/v1/options/{optionID}/reclaim
func (s *Service) ReclaimOption(w http.ResponseWriter, r *http.Request) {
	optionID := chi.URLParam(r, "optionID")

	var req ReclaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Short == "" {
		writeError(w, "short is required", http.StatusBadRequest)
		return
	}

	returned, err := s.book.ResolveAndReclaim(r.Context(), optionID, req.Short)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ReclaimResponse{
		OptionID:       optionID,
		ReturnedAmount: returned,
	})
}

// ListOptions handles GET /api/v1/options
// Serves from the mirror store; shape matches the book's batch snapshot.
func (s *Service) ListOptions(w http.ResponseWriter, r *http.Request) {
	options, err := s.store.ListOptions(r.Context())
	if err != nil {
		writeError(w, "failed to list options", http.StatusInternalServerError)
		return
	}
	if options == nil {
		options = []model.OptionMeta{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(options)
}

// GetOption handles GET /api/v1/options/{optionID}
func (s *Service) GetOption(w http.ResponseWriter, r *http.Request) {
	optionID := chi.URLParam(r, "optionID")

	meta, err := s.store.GetOption(r.Context(), optionID)
	if err != nil {
		writeError(w, "option not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

// ListCallOptions handles GET /api/v1/options/calls
func (s *Service) ListCallOptions(w http.ResponseWriter, r *http.Request) {
	writeIDs(w, s.book.GetAllCallInstances())
}

// ListPutOptions handles GET /api/v1/options/puts
func (s *Service) ListPutOptions(w http.ResponseWriter, r *http.Request) {
	writeIDs(w, s.book.GetAllPutInstances())
}

// ListSettlements handles GET /api/v1/options/{optionID}/settlements
func (s *Service) ListSettlements(w http.ResponseWriter, r *http.Request) {
	optionID := chi.URLParam(r, "optionID")

	records, err := s.store.ListSettlements(r.Context(), optionID)
	if err != nil {
		writeError(w, "failed to list settlements", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.SettlementRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// GetVolume handles GET /api/v1/volume
func (s *Service) GetVolume(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{
		"total_exercised_volume": s.book.TotalExercisedVolume(),
	})
}

// --- Event sink ---

// HandleEvent mirrors a book lifecycle event into the store, metrics and
// WebSocket clients. Runs inside the book's critical section: it never
// calls back into the book (the event carries a full metadata snapshot).
func (s *Service) HandleEvent(ev model.Event) {
	ctx := context.Background()
	meta := ev.Meta

	if err := s.store.UpsertOption(ctx, &meta); err != nil {
		slog.Error("mirror upsert failed", "id", meta.ID, "err", err)
	}

	side := "put"
	if meta.IsCall {
		side = "call"
	}

	switch ev.Type {
	case model.EventInstanceCreated:
		metrics.OptionsCreated.WithLabelValues(side, meta.PayoffType.String()).Inc()
	case model.EventEntered:
		metrics.OptionsEntered.Inc()
	case model.EventResolved:
		metrics.Resolutions.Inc()
	case model.EventExercised:
		metrics.Settlements.WithLabelValues(model.SettlementExercised).Inc()
		metrics.ExercisedVolume.Add(ev.QuoteAmount.InexactFloat64())
		s.recordSettlement(ctx, ev, model.SettlementExercised)
	case model.EventReclaimed:
		metrics.Settlements.WithLabelValues(model.SettlementReclaimed).Inc()
		s.recordSettlement(ctx, ev, model.SettlementReclaimed)
	}

	if s.wsHub != nil {
		msg := WSMessage{
			Type:     string(ev.Type),
			OptionID: meta.ID,
			Side:     side,
			Payoff:   meta.PayoffType.String(),
			Long:     meta.Long,
		}
		if !meta.Expiry.IsZero() {
			msg.Expiry = meta.Expiry.UTC().Format(time.RFC3339)
		}
		if meta.Resolved {
			msg.PriceAtExpiry = meta.PriceAtExpiry.String()
		}
		if ev.Type == model.EventExercised || ev.Type == model.EventReclaimed {
			msg.QuoteAmount = ev.QuoteAmount.String()
			msg.BaseAmount = ev.BaseAmount.String()
		}
		s.wsHub.Broadcast(msg)
	}
}

func (s *Service) recordSettlement(ctx context.Context, ev model.Event, kind string) {
	rec := &model.SettlementRecord{
		ID:            uuid.New().String(),
		OptionID:      ev.Meta.ID,
		Kind:          kind,
		QuoteAmount:   ev.QuoteAmount,
		BaseAmount:    ev.BaseAmount,
		PriceAtExpiry: ev.Meta.PriceAtExpiry,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.store.InsertSettlement(ctx, rec); err != nil {
		slog.Error("settlement record failed", "id", ev.Meta.ID, "err", err)
	}
}

// --- Error mapping ---

// statusFor maps every core error to a distinct HTTP status. Precondition
// and transfer conflicts are 409, domain outcomes 422, oracle outages 503.
func statusFor(err error) int {
	switch {
	case errors.Is(err, book.ErrInvalidStrike),
		errors.Is(err, book.ErrInvalidSize),
		errors.Is(err, book.ErrInvalidPremium),
		errors.Is(err, book.ErrInvalidParams),
		errors.Is(err, book.ErrInvalidOracle),
		errors.Is(err, option.ErrInvalidLong),
		errors.Is(err, payoff.ErrInvalidAmount):
		return http.StatusBadRequest

	case errors.Is(err, book.ErrUnauthorized),
		errors.Is(err, option.ErrUnauthorized):
		return http.StatusForbidden

	case errors.Is(err, book.ErrUnknownInstance):
		return http.StatusNotFound

	case errors.Is(err, book.ErrAlreadyEntered),
		errors.Is(err, book.ErrAlreadySettled),
		errors.Is(err, option.ErrAlreadyEntered),
		errors.Is(err, option.ErrAlreadyFunded),
		errors.Is(err, option.ErrAlreadyResolved),
		errors.Is(err, option.ErrAlreadySettled),
		errors.Is(err, option.ErrNotFunded),
		errors.Is(err, option.ErrNotEntered),
		errors.Is(err, option.ErrNotResolved),
		errors.Is(err, option.ErrTooEarly),
		errors.Is(err, asset.ErrInsufficientBalance),
		errors.Is(err, asset.ErrInvalidAmount):
		return http.StatusConflict

	case errors.Is(err, payoff.ErrNotProfitable),
		errors.Is(err, payoff.ErrBelowLogDomain),
		errors.Is(err, payoff.ErrAmplifierOverflow),
		errors.Is(err, payoff.ErrInvalidPrice):
		return http.StatusUnprocessableEntity

	case errors.Is(err, oracle.ErrUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

func writeIDs(w http.ResponseWriter, ids []string) {
	if ids == nil {
		ids = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ids)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
