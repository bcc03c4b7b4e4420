package server

import (
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"piggybank/internal/contracts"
	"piggybank/internal/gateway"
	"piggybank/internal/units"
)

var zeroAddress common.Address

type amountView struct {
	Raw     string `json:"raw"`
	Decimal string `json:"decimal"`
}

func newAmountView(v *big.Int, asset contracts.AssetType) *amountView {
	if v == nil {
		return nil
	}
	return &amountView{Raw: v.String(), Decimal: units.ToDecimalString(v, asset.Decimals())}
}

type depositView struct {
	ID            uint64              `json:"id"`
	Asset         contracts.AssetType `json:"asset"`
	Amount        *amountView         `json:"amount"`
	LockDuration  uint64              `json:"lockDuration"`
	LockLabel     string              `json:"lockLabel"`
	DepositedAt   time.Time           `json:"depositedAt"`
	UnlockAt      time.Time           `json:"unlockAt"`
	Unlocked      bool                `json:"unlocked"`
	TimeRemaining string              `json:"timeRemaining"`
	Withdrawn     bool                `json:"withdrawn"`
}

func newDepositView(d gateway.Deposit, now time.Time) depositView {
	asset := d.Asset()
	return depositView{
		ID:            d.ID,
		Asset:         asset,
		Amount:        newAmountView(d.Amount, asset),
		LockDuration:  uint64(d.Lock() / time.Second),
		LockLabel:     units.FormatDuration(d.Lock()),
		DepositedAt:   d.DepositedAt().UTC(),
		UnlockAt:      units.UnlockTime(d.DepositedAt(), d.Lock()).UTC(),
		Unlocked:      units.IsUnlocked(d.DepositedAt(), d.Lock(), now),
		TimeRemaining: units.TimeRemaining(d.DepositedAt(), d.Lock(), now),
		Withdrawn:     d.IsWithdrawn,
	}
}

type assetView struct {
	Balance         *amountView `json:"balance,omitempty"`
	Allowance       *amountView `json:"allowance,omitempty"`
	ContractBalance *amountView `json:"contractBalance,omitempty"`
}

type accountResponse struct {
	Account       string               `json:"account"`
	DepositCount  uint64               `json:"depositCount"`
	TotalLocked   string               `json:"totalLocked,omitempty"`
	Assets        map[string]assetView `json:"assets"`
	Deposits      []depositView        `json:"deposits"`
	LockDurations []uint64             `json:"lockDurations,omitempty"`
	Owner         string               `json:"owner,omitempty"`
	Paused        bool                 `json:"paused"`
	Errors        map[string]string    `json:"errors,omitempty"`
	FetchedAt     map[string]time.Time `json:"fetchedAt,omitempty"`
}

func newAccountResponse(snap gateway.Snapshot, now time.Time) accountResponse {
	resp := accountResponse{
		Account:  snap.Account.Hex(),
		Assets:   make(map[string]assetView, len(contracts.Assets)),
		Deposits: []depositView{},
	}
	for key, e := range snap.Entries {
		if e.Err != nil {
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[string(key)] = e.Err.Error()
		}
		if !e.FetchedAt.IsZero() {
			if resp.FetchedAt == nil {
				resp.FetchedAt = make(map[string]time.Time)
			}
			resp.FetchedAt[string(key)] = e.FetchedAt.UTC()
		}
	}

	if n, ok := snap.Entries[gateway.QueryDepositCount].Value.(uint64); ok {
		resp.DepositCount = n
	}
	if v := snap.BigInt(gateway.QueryTotalLocked); v != nil {
		resp.TotalLocked = v.String()
	}
	for _, d := range snap.Deposits() {
		resp.Deposits = append(resp.Deposits, newDepositView(d, now))
	}
	for _, a := range contracts.Assets {
		view := assetView{
			Balance:         newAmountView(snap.BigInt(gateway.BalanceKey(a)), a),
			ContractBalance: newAmountView(snap.BigInt(gateway.ContractBalanceKey(a)), a),
		}
		if !a.IsNative() {
			view.Allowance = newAmountView(snap.BigInt(gateway.AllowanceKey(a)), a)
		}
		resp.Assets[a.Symbol()] = view
	}
	if v, ok := snap.Entries[gateway.QueryLockDurations].Value.([]uint64); ok {
		resp.LockDurations = v
	}
	if v, ok := snap.Entries[gateway.QueryOwner].Value.(common.Address); ok {
		resp.Owner = v.Hex()
	}
	if v, ok := snap.Entries[gateway.QueryPaused].Value.(bool); ok {
		resp.Paused = v
	}
	return resp
}

func accountParam(r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// snapshot returns cached state, fetching everything on first access.
func (s *Server) snapshot(r *http.Request, account common.Address) gateway.Snapshot {
	snap, ok := s.board.Snapshot(account)
	if !ok {
		s.board.Refetch(r.Context(), account)
		snap, _ = s.board.Snapshot(account)
	}
	return snap
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid account address", "invalid_address")
		return
	}
	respondJSON(w, http.StatusOK, newAccountResponse(s.snapshot(r, account), time.Now()))
}

func (s *Server) handleAccountDeposits(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid account address", "invalid_address")
		return
	}
	snap := s.snapshot(r, account)
	now := time.Now()
	out := []depositView{}
	for _, d := range snap.Deposits() {
		out = append(out, newDepositView(d, now))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccountRefresh(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid account address", "invalid_address")
		return
	}
	var keys []gateway.QueryKey
	for _, k := range r.URL.Query()["query"] {
		keys = append(keys, gateway.QueryKey(k))
	}
	s.board.Refetch(r.Context(), account, keys...)
	snap, _ := s.board.Snapshot(account)
	respondJSON(w, http.StatusOK, newAccountResponse(snap, time.Now()))
}
