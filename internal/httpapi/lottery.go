package httpapi

import (
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/samber/lo"

	svcerrors "github.com/R3E-Network/lottery_engine/internal/errors"
	"github.com/R3E-Network/lottery_engine/internal/events"
	"github.com/R3E-Network/lottery_engine/internal/httputil"
	"github.com/R3E-Network/lottery_engine/internal/middleware"
	"github.com/R3E-Network/lottery_engine/services/lottery"
)

const maxEvents = 500

type statusResponse struct {
	State              string               `json:"state"`
	Round              uint64               `json:"round"`
	IntervalSeconds    float64              `json:"interval_seconds"`
	StartedAt          *time.Time           `json:"started_at,omitempty"`
	Balance            string               `json:"balance"`
	Players            int                  `json:"players"`
	TicketFee          string               `json:"ticket_fee,omitempty"`
	UsdTicketFee       string               `json:"usd_ticket_fee,omitempty"`
	PrizeDistribution  []uint64             `json:"prize_distribution"`
	MaxTicketsPerEntry uint64               `json:"max_tickets_per_entry"`
	PendingRequest     lottery.RequestToken `json:"pending_request,omitempty"`
	Warnings           []string             `json:"warnings,omitempty"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	view := h.engine.CurrentRound()
	resp := statusResponse{
		State:              view.State.String(),
		Round:              view.Number,
		IntervalSeconds:    h.engine.Interval().Seconds(),
		StartedAt:          view.StartedAt,
		Balance:            view.Balance,
		Players:            len(view.Players),
		PrizeDistribution:  h.engine.PrizeDistribution(),
		MaxTicketsPerEntry: h.engine.MaxTicketsPerEntry(),
		PendingRequest:     view.PendingRequest,
	}
	if h.usdFee != nil {
		resp.UsdTicketFee = h.usdFee().String()
	}
	if fee, err := h.engine.TicketFee(r.Context()); err != nil {
		resp.Warnings = append(resp.Warnings, err.Error())
	} else {
		resp.TicketFee = fee.Dec()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handler) fee(w http.ResponseWriter, r *http.Request) {
	fee, err := h.engine.TicketFee(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := map[string]string{"ticket_fee": fee.Dec()}
	if h.usdFee != nil {
		resp["usd_ticket_fee"] = h.usdFee().String()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handler) players(w http.ResponseWriter, r *http.Request) {
	players := h.engine.Players()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"round":   h.engine.RoundNumber(),
		"count":   len(players),
		"players": players,
	})
}

func (h *handler) player(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		h.writeError(w, r, svcerrors.BadRequest("invalid index"))
		return
	}
	p, err := h.engine.Player(i)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"index": i, "player": p})
}

func (h *handler) combinations(w http.ResponseWriter, r *http.Request) {
	prefix := mux.Vars(r)["prefix"]
	n, err := h.engine.CombinationCount(prefix)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "count": n})
}

func (h *handler) rounds(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"current":  h.engine.RoundNumber(),
		"resolved": h.engine.Rounds(),
	})
}

func (h *handler) currentRound(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.engine.CurrentRound())
}

func (h *handler) round(w http.ResponseWriter, r *http.Request) {
	n, err := pathUint(r, "round")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := h.engine.Round(n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *handler) winningTicket(w http.ResponseWriter, r *http.Request) {
	n, err := pathUint(r, "round")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	t, err := h.engine.WinningTicket(n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"round": n, "winning_ticket": t})
}

func (h *handler) winner(w http.ResponseWriter, r *http.Request) {
	n, err := pathUint(r, "round")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.engine.Winner(n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := map[string]any{"round": n, "winner": p}
	if view, err := h.engine.Round(n); err == nil && view.Settlement != nil {
		resp["winners"] = view.Settlement.Winners
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handler) participantTickets(w http.ResponseWriter, r *http.Request) {
	p := lottery.Participant(mux.Vars(r)["participant"])

	round := h.engine.RoundNumber()
	tickets := h.engine.Tickets(p)
	if raw := r.URL.Query().Get("round"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.writeError(w, r, svcerrors.BadRequest("invalid round"))
			return
		}
		if tickets, err = h.engine.RoundTickets(n, p); err != nil {
			h.writeError(w, r, err)
			return
		}
		round = n
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"round":       round,
		"participant": p,
		"count":       len(tickets),
		"tickets":     tickets,
	})
}

func (h *handler) participantTicket(w http.ResponseWriter, r *http.Request) {
	p := lottery.Participant(mux.Vars(r)["participant"])
	i, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		h.writeError(w, r, svcerrors.BadRequest("invalid index"))
		return
	}
	t, err := h.engine.PlayerTicket(p, i)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"participant": p, "index": i, "ticket": t})
}

func (h *handler) participantRewards(w http.ResponseWriter, r *http.Request) {
	p := lottery.Participant(mux.Vars(r)["participant"])
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"participant": p,
		"rewards":     h.engine.RewardBalance(p).Dec(),
	})
}

func (h *handler) participantReveal(w http.ResponseWriter, r *http.Request) {
	p := lottery.Participant(mux.Vars(r)["participant"])
	n, err := pathUint(r, "round")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	revealed, err := h.engine.IsRevealed(p, n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"participant": p, "round": n, "revealed": revealed})
}

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": []events.Event{}})
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit = lo.Clamp(limit, 1, maxEvents)

	var out []events.Event
	q := r.URL.Query()
	switch {
	case q.Get("round") != "":
		n, err := strconv.ParseUint(q.Get("round"), 10, 64)
		if err != nil {
			h.writeError(w, r, svcerrors.BadRequest("invalid round"))
			return
		}
		out = h.events.RecentByRound(n, limit)
	case q.Get("type") != "":
		out = h.events.RecentByType(events.EventType(q.Get("type")), limit)
	default:
		out = h.events.Recent(limit)
	}
	if out == nil {
		out = []events.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": out})
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

type buyRequest struct {
	Participant string `json:"participant,omitempty"`
	Count       uint64 `json:"count"`
	// Stake is the amount paid in base units. Empty pays exactly count
	// times the current fee.
	Stake string `json:"stake,omitempty"`
}

type entryResponse struct {
	*lottery.Entry
	Fee   string `json:"fee"`
	Stake string `json:"stake"`
}

func (h *handler) buyTickets(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, svcerrors.BadRequest(err.Error()))
		return
	}
	p, err := h.participant(r, req.Participant)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// A nil stake lets the engine charge count times the fee it validates with.
	var stake *uint256.Int
	if raw := strings.TrimSpace(req.Stake); raw != "" {
		if stake, err = lottery.ParseAmount(raw); err != nil {
			h.writeError(w, r, svcerrors.BadRequest("invalid stake: "+err.Error()))
			return
		}
	}

	entry, err := h.engine.BuyTickets(r.Context(), p, stake, req.Count)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, entryResponse{
		Entry: entry,
		Fee:   entry.Fee.Dec(),
		Stake: entry.Stake.Dec(),
	})
}

type participantRequest struct {
	Participant string `json:"participant,omitempty"`
}

func (h *handler) reveal(w http.ResponseWriter, r *http.Request) {
	n, err := pathUint(r, "round")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.participantFromBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	amount, err := h.engine.RevealWinningTickets(r.Context(), p, n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"participant": p,
		"round":       n,
		"credited":    amount.Dec(),
		"rewards":     h.engine.RewardBalance(p).Dec(),
	})
}

func (h *handler) claim(w http.ResponseWriter, r *http.Request) {
	p, err := h.participantFromBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	amount, err := h.engine.ClaimRewards(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"participant": p, "claimed": amount.Dec()})
}

func (h *handler) checkUpkeep(w http.ResponseWriter, r *http.Request) {
	ready, data := h.engine.CheckUpkeep(r.Context())
	resp := map[string]any{
		"upkeep_needed": ready,
		"check_data":    string(data),
	}
	if h.keeper != nil {
		resp["keeper_running"] = h.keeper.IsRunning()
		resp["last_run"] = h.keeper.LastRun()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handler) performUpkeep(w http.ResponseWriter, r *http.Request) {
	_, data := h.engine.CheckUpkeep(r.Context())
	token, err := h.engine.PerformUpkeep(r.Context(), data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"round":   h.engine.RoundNumber(),
		"request": token,
	})
}

func (h *handler) cancelSettlement(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.CancelSettlement(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"round": h.engine.RoundNumber(),
		"state": h.engine.State().String(),
	})
}

type fulfillRequest struct {
	RequestToken lottery.RequestToken `json:"request_token"`
	// Words are decimal or 0x-prefixed hexadecimal 256-bit values.
	Words []string `json:"words"`
}

func (h *handler) fulfill(w http.ResponseWriter, r *http.Request) {
	var req fulfillRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, svcerrors.BadRequest(err.Error()))
		return
	}
	words := make([]*uint256.Int, 0, len(req.Words))
	for i, raw := range req.Words {
		word, err := parseWord(raw)
		if err != nil {
			h.writeError(w, r, svcerrors.BadRequest("invalid word "+strconv.Itoa(i)+": "+err.Error()))
			return
		}
		words = append(words, word)
	}

	if err := h.deliver(r.Context(), req.RequestToken, words); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.WithField("service", middleware.GetServiceID(r.Context())).
		WithField("request", req.RequestToken).Info("fulfillment accepted")
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"round": h.engine.RoundNumber()})
}

// participant resolves the acting participant: the token subject when auth is
// enabled, otherwise the request body.
func (h *handler) participant(r *http.Request, fromBody string) (lottery.Participant, error) {
	if h.secured {
		return lottery.Participant(middleware.GetParticipant(r.Context())), nil
	}
	return lottery.Participant(strings.TrimSpace(fromBody)), nil
}

func (h *handler) participantFromBody(r *http.Request) (lottery.Participant, error) {
	var req participantRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			return "", svcerrors.BadRequest(err.Error())
		}
	}
	return h.participant(r, req.Participant)
}

func parseWord(raw string) (*uint256.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("not an unsigned integer")
	}
	word, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("exceeds 256 bits")
	}
	return word, nil
}

func (h *handler) payouts(w http.ResponseWriter, r *http.Request) {
	p := lottery.Participant(mux.Vars(r)["participant"])
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"participant":  p,
		"balance":      h.bank.GetBalance(p).Dec(),
		"transactions": h.bank.GetTransactions(p, limit),
	})
}

type withdrawRequest struct {
	Participant string `json:"participant,omitempty"`
	Amount      string `json:"amount"`
	Address     string `json:"address"`
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, svcerrors.BadRequest(err.Error()))
		return
	}
	p, err := h.participant(r, req.Participant)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if p == "" || strings.TrimSpace(req.Address) == "" {
		h.writeError(w, r, svcerrors.BadRequest("participant and address are required"))
		return
	}
	amount, err := lottery.ParseAmount(strings.TrimSpace(req.Amount))
	if err != nil {
		h.writeError(w, r, svcerrors.BadRequest("invalid amount: "+err.Error()))
		return
	}
	if err := h.bank.Withdraw(r.Context(), p, amount, req.Address); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"participant": p,
		"withdrawn":   amount.Dec(),
		"balance":     h.bank.GetBalance(p).Dec(),
	})
}
