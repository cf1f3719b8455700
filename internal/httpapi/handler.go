// Package httpapi exposes the lottery engine over a JSON REST API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	svcerrors "github.com/R3E-Network/lottery_engine/internal/errors"
	"github.com/R3E-Network/lottery_engine/internal/events"
	"github.com/R3E-Network/lottery_engine/internal/gasbank"
	"github.com/R3E-Network/lottery_engine/internal/httputil"
	"github.com/R3E-Network/lottery_engine/internal/metrics"
	"github.com/R3E-Network/lottery_engine/internal/middleware"
	"github.com/R3E-Network/lottery_engine/pkg/logger"
	"github.com/R3E-Network/lottery_engine/services/lottery"
	"github.com/R3E-Network/lottery_engine/services/upkeep"
)

// KeeperStatus reports the most recent upkeep tick.
type KeeperStatus interface {
	LastRun() upkeep.RunResult
	IsRunning() bool
}

// Options wires the handler's collaborators. Engine is required.
type Options struct {
	Engine *lottery.Engine
	// UsdTicketFee reports the configured USD fee, when the fee is USD-denominated.
	UsdTicketFee func() decimal.Decimal
	Events       *events.RingBuffer
	Stream       http.Handler
	Keeper       KeeperStatus
	// Bank holds paid-out rewards; nil leaves the payout routes unregistered.
	Bank *gasbank.Manager

	// Auth protects participant and admin routes. Without it the participant
	// is read from the request body and admin routes are open, which is only
	// suitable for local runs.
	Auth *middleware.AuthMiddleware
	// ServiceAuth enables POST /oracle/fulfillments for external oracles.
	ServiceAuth *middleware.ServiceAuthMiddleware
	// Fulfill delivers callback randomness. It defaults to the engine.
	Fulfill func(ctx context.Context, token lottery.RequestToken, words []*uint256.Int) error
	RateLimiter *middleware.RateLimiter
	CORSOrigins []string
	Logger      *logger.Logger
}

// handler bundles HTTP endpoints for the lottery engine.
type handler struct {
	engine  *lottery.Engine
	usdFee  func() decimal.Decimal
	events  *events.RingBuffer
	keeper  KeeperStatus
	deliver func(ctx context.Context, token lottery.RequestToken, words []*uint256.Int) error
	bank    *gasbank.Manager
	secured bool
	log     *logrus.Entry
}

// NewHandler returns a router exposing the lottery API.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("httpapi")
	}
	if opts.Fulfill == nil {
		opts.Fulfill = opts.Engine.FulfillRandomWords
	}
	h := &handler{
		engine:  opts.Engine,
		usdFee:  opts.UsdTicketFee,
		events:  opts.Events,
		keeper:  opts.Keeper,
		deliver: opts.Fulfill,
		bank:    opts.Bank,
		secured: opts.Auth != nil,
		log:     opts.Logger.Component("httpapi"),
	}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(opts.Logger))
	r.Use(metrics.InstrumentHandler)
	if len(opts.CORSOrigins) > 0 {
		r.Use(middleware.NewCORSMiddleware(opts.CORSOrigins).Handler)
	}

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if opts.Stream != nil {
		r.Handle("/events/stream", opts.Stream).Methods(http.MethodGet)
	}

	api := r.NewRoute().Subrouter()
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Handler)
	}

	// Queries
	api.HandleFunc("/lottery", h.status).Methods(http.MethodGet)
	api.HandleFunc("/lottery/fee", h.fee).Methods(http.MethodGet)
	api.HandleFunc("/players", h.players).Methods(http.MethodGet)
	api.HandleFunc("/players/{index:[0-9]+}", h.player).Methods(http.MethodGet)
	api.HandleFunc("/combinations/{prefix:[0-9]{1,4}}", h.combinations).Methods(http.MethodGet)
	api.HandleFunc("/rounds", h.rounds).Methods(http.MethodGet)
	api.HandleFunc("/rounds/current", h.currentRound).Methods(http.MethodGet)
	api.HandleFunc("/rounds/{round:[0-9]+}", h.round).Methods(http.MethodGet)
	api.HandleFunc("/rounds/{round:[0-9]+}/winning-ticket", h.winningTicket).Methods(http.MethodGet)
	api.HandleFunc("/rounds/{round:[0-9]+}/winner", h.winner).Methods(http.MethodGet)
	api.HandleFunc("/participants/{participant}/tickets", h.participantTickets).Methods(http.MethodGet)
	api.HandleFunc("/participants/{participant}/tickets/{index:[0-9]+}", h.participantTicket).Methods(http.MethodGet)
	api.HandleFunc("/participants/{participant}/rewards", h.participantRewards).Methods(http.MethodGet)
	api.HandleFunc("/participants/{participant}/reveals/{round:[0-9]+}", h.participantReveal).Methods(http.MethodGet)
	api.HandleFunc("/events", h.recentEvents).Methods(http.MethodGet)

	// Participant mutations
	protect := func(next http.HandlerFunc) http.Handler {
		if opts.Auth == nil {
			return next
		}
		return opts.Auth.Handler(next)
	}
	api.Handle("/tickets", protect(h.buyTickets)).Methods(http.MethodPost)
	api.Handle("/rounds/{round:[0-9]+}/reveal", protect(h.reveal)).Methods(http.MethodPost)
	api.Handle("/rewards/claim", protect(h.claim)).Methods(http.MethodPost)
	if opts.Bank != nil {
		api.HandleFunc("/participants/{participant}/payouts", h.payouts).Methods(http.MethodGet)
		api.Handle("/withdrawals", protect(h.withdraw)).Methods(http.MethodPost)
	}

	// Administration
	admin := func(next http.HandlerFunc) http.Handler {
		if opts.Auth == nil {
			return next
		}
		return opts.Auth.Handler(middleware.RequireRole(middleware.RoleAdmin)(next))
	}
	api.Handle("/admin/upkeep", admin(h.checkUpkeep)).Methods(http.MethodGet)
	api.Handle("/admin/upkeep", admin(h.performUpkeep)).Methods(http.MethodPost)
	api.Handle("/admin/settlement/cancel", admin(h.cancelSettlement)).Methods(http.MethodPost)

	// Oracle callback
	if opts.ServiceAuth != nil {
		api.Handle("/oracle/fulfillments", opts.ServiceAuth.Handler(http.HandlerFunc(h.fulfill))).Methods(http.MethodPost)
	}

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"round":  h.engine.RoundNumber(),
		"state":  h.engine.State().String(),
	})
}

// writeError maps engine errors onto the service error envelope: validation
// failures are 400, lifecycle conflicts 409 and collaborator failures 502.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if svcErr := svcerrors.GetServiceError(err); svcErr != nil {
		httputil.WriteServiceError(w, r, svcErr)
		return
	}

	var svcErr *svcerrors.ServiceError
	switch {
	case errors.Is(err, gasbank.ErrInsufficientBalance):
		svcErr = svcerrors.Conflict(err.Error(), err)
	case errors.Is(err, gasbank.ErrInvalidAmount):
		svcErr = svcerrors.Validation(err.Error(), err)
	case errors.Is(err, lottery.ErrIndexOutOfRange):
		svcErr = svcerrors.NotFound("index", err.Error())
	case errors.Is(err, lottery.ErrNonExistingLottery) && r.Method == http.MethodGet:
		svcErr = svcerrors.NotFound("round", mux.Vars(r)["round"])
	case lottery.IsValidation(err):
		svcErr = svcerrors.Validation(err.Error(), err)
	case lottery.IsState(err):
		svcErr = svcerrors.Conflict(err.Error(), err)
	case lottery.IsExternal(err):
		svcErr = svcerrors.Upstream(err.Error(), err)
	default:
		svcErr = svcerrors.Internal("internal error", err)
	}

	if svcErr.HTTPStatus >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	if code := sentinelCode(err); code != "" {
		svcErr.WithDetails("reason", code)
	}
	httputil.WriteServiceError(w, r, svcErr)
}

var sentinelCodes = []struct {
	err  error
	code string
}{
	{lottery.ErrLotteryNotOpen, "LOTTERY_NOT_OPEN"},
	{lottery.ErrInsufficientStake, "NOT_ENOUGH_FUNDS"},
	{lottery.ErrTooManyTickets, "TOO_MANY_TICKETS"},
	{lottery.ErrInvalidTicketCount, "INVALID_TICKET_COUNT"},
	{lottery.ErrUpkeepNotNeeded, "UPKEEP_NOT_NEEDED"},
	{lottery.ErrUnknownRequest, "UNKNOWN_REQUEST"},
	{lottery.ErrInsufficientRandomWords, "INSUFFICIENT_RANDOM_WORDS"},
	{lottery.ErrNonExistingLottery, "NON_EXISTING_LOTTERY"},
	{lottery.ErrAlreadyRevealed, "TICKETS_ALREADY_REVEALED"},
	{lottery.ErrNoTicketsInRound, "NO_TICKETS_IN_ROUND"},
	{lottery.ErrNoPendingRewards, "NO_PENDING_REWARDS"},
	{lottery.ErrSettlementNotCancellable, "SETTLEMENT_NOT_CANCELLABLE"},
	{lottery.ErrFeeUnavailable, "FEE_UNAVAILABLE"},
	{lottery.ErrOracleUnavailable, "ORACLE_UNAVAILABLE"},
	{lottery.ErrPayoutFailed, "PAYOUT_FAILED"},
	{lottery.ErrPersistence, "PERSISTENCE_FAILED"},
	{gasbank.ErrInsufficientBalance, "INSUFFICIENT_BALANCE"},
}

func sentinelCode(err error) string {
	for _, sc := range sentinelCodes {
		if errors.Is(err, sc.err) {
			return sc.code
		}
	}
	return ""
}

func pathUint(r *http.Request, name string) (uint64, error) {
	v, err := strconv.ParseUint(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, svcerrors.BadRequest("invalid " + name)
	}
	return v, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, svcerrors.BadRequest("invalid " + name)
	}
	return v, nil
}
