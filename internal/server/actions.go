package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"piggybank/internal/contracts"
	"piggybank/internal/hmacauth"
	"piggybank/internal/idempotency"
	"piggybank/internal/txflow"
)

const (
	headerReplayed = "Idempotent-Replayed"

	defaultIdempotencyWindow = 24 * time.Hour
)

// writeHandler produces the status and JSON payload of a write request. The
// body has already been read so the idempotency layer can fingerprint it.
type writeHandler func(r *http.Request, body []byte) (int, any)

type actionResponse struct {
	Action        txflow.Action `json:"action"`
	Banner        txflow.Banner `json:"banner"`
	TxURL         string        `json:"txUrl,omitempty"`
	ApprovalTxURL string        `json:"approvalTxUrl,omitempty"`
}

func (s *Server) newActionResponse(a txflow.Action) actionResponse {
	resp := actionResponse{Action: a, Banner: txflow.BannerFor(a)}
	if a.Tx != nil {
		resp.TxURL = s.cfg.Network.TxURL(a.Tx.Hex())
	}
	if a.ApprovalTx != nil {
		resp.ApprovalTxURL = s.cfg.Network.TxURL(a.ApprovalTx.Hex())
	}
	return resp
}

// idempotent requires an idempotency key on every write. The first request
// for a key runs h; later requests with the same key and body replay the
// stored response without starting another action.
func (s *Server) idempotent(h writeHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			s.metrics.incIdempotency("missing")
			respondError(w, http.StatusBadRequest, headerIdempotencyKey+" header is required", "")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, hmacauth.MaxBodyBytes+1))
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read body", "")
			return
		}
		if len(body) > hmacauth.MaxBodyBytes {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		log := s.logger.With(
			zap.String("idempotency_key", key),
			zap.String("request_id", requestIDFrom(ctx)))

		window := s.cfg.Service.IdempotencyWindow
		if window <= 0 {
			window = defaultIdempotencyWindow
		}
		now := time.Now().UTC()
		rec := idempotency.Record{
			Fingerprint: idempotency.Fingerprint(r.Method, r.URL.Path, body),
			Pending:     true,
			CreatedAt:   now,
			ExpiresAt:   now.Add(window),
		}

		existing, claimed, err := s.store.Reserve(ctx, key, rec)
		if err != nil {
			log.Error("idempotency reserve failed", zap.Error(err))
			respondError(w, http.StatusServiceUnavailable, "idempotency store unavailable", "")
			return
		}
		if !claimed {
			switch {
			case existing.Fingerprint != rec.Fingerprint:
				s.metrics.incIdempotency("mismatch")
				respondError(w, http.StatusUnprocessableEntity, "idempotency key was used with a different request", "")
			case existing.Pending:
				s.metrics.incIdempotency("pending")
				respondError(w, http.StatusConflict, "a request with this idempotency key is still being processed", "")
			default:
				s.metrics.incIdempotency("replayed")
				log.Info("replaying stored response", zap.String("action_id", existing.ActionID))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(headerReplayed, "true")
				w.WriteHeader(existing.StatusCode)
				_, _ = w.Write(existing.Response)
			}
			return
		}
		s.metrics.incIdempotency("new")

		status, payload := h(r, body)
		resp, err := json.Marshal(payload)
		if err != nil {
			log.Error("encode response", zap.Error(err))
			status, resp = http.StatusInternalServerError, []byte(`{"error":"internal server error"}`)
		}
		resp = append(resp, '\n')

		// Conflicts and server faults depend on transient state, so the key
		// stays reusable.
		if status >= http.StatusInternalServerError || status == http.StatusConflict {
			if err := s.store.Release(context.WithoutCancel(ctx), key); err != nil {
				log.Warn("idempotency release failed", zap.Error(err))
			}
		} else {
			rec.Pending = false
			rec.StatusCode = status
			rec.Response = resp
			if ar, ok := payload.(actionResponse); ok {
				rec.ActionID = ar.Action.ID
			}
			if err := s.store.Save(context.WithoutCancel(ctx), key, rec); err != nil {
				log.Warn("idempotency save failed", zap.Error(err))
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(resp)
	})
}

func decodeBody(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func failure(status int, err error, kind txflow.Kind) (int, any) {
	return status, errorResponse{Error: err.Error(), Kind: string(kind)}
}

// startFailure maps a synchronous orchestrator error to a response.
func startFailure(err error) (int, any) {
	kind := txflow.KindOf(err)
	switch {
	case kind == txflow.KindNoAccount, kind == txflow.KindTargetBusy:
		return failure(http.StatusConflict, err, kind)
	case txflow.IsValidation(err), kind == txflow.KindInvalidTarget:
		return failure(http.StatusBadRequest, err, kind)
	default:
		return failure(http.StatusInternalServerError, err, kind)
	}
}

func depositIDParam(r *http.Request) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
}

func parseAsset(raw string) (contracts.AssetType, error) {
	a, err := contracts.ParseAssetType(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", txflow.ErrInvalidAsset, err)
	}
	return a, nil
}

type depositRequest struct {
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	LockDuration uint64 `json:"lockDuration"`
	// Lock selects a catalog entry by label when LockDuration is zero.
	Lock string `json:"lock"`
}

func (s *Server) handleDeposit(r *http.Request, body []byte) (int, any) {
	var req depositRequest
	if err := decodeBody(body, &req); err != nil {
		return failure(http.StatusBadRequest, err, "")
	}
	asset, err := parseAsset(req.Asset)
	if err != nil {
		return failure(http.StatusBadRequest, err, txflow.KindInvalidAsset)
	}
	if req.LockDuration == 0 && req.Lock != "" {
		if d, ok := contracts.LockDurationByLabel(req.Lock); ok {
			req.LockDuration = d.Seconds
		}
	}

	a, err := s.orch.StartDeposit(r.Context(), txflow.DepositRequest{
		Asset:        asset,
		Amount:       req.Amount,
		LockDuration: req.LockDuration,
	})
	if err != nil {
		return startFailure(err)
	}
	return http.StatusAccepted, s.newActionResponse(a)
}

type topUpRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) handleTopUp(r *http.Request, body []byte) (int, any) {
	id, err := depositIDParam(r)
	if err != nil {
		return failure(http.StatusBadRequest, err, txflow.KindInvalidTarget)
	}
	var req topUpRequest
	if err := decodeBody(body, &req); err != nil {
		return failure(http.StatusBadRequest, err, "")
	}
	asset, err := parseAsset(req.Asset)
	if err != nil {
		return failure(http.StatusBadRequest, err, txflow.KindInvalidAsset)
	}

	a, err := s.orch.StartTopUp(r.Context(), txflow.TopUpRequest{DepositID: id, Asset: asset, Amount: req.Amount})
	if err != nil {
		return startFailure(err)
	}
	return http.StatusAccepted, s.newActionResponse(a)
}

func (s *Server) handleWithdraw(r *http.Request, _ []byte) (int, any) {
	id, err := depositIDParam(r)
	if err != nil {
		return failure(http.StatusBadRequest, err, txflow.KindInvalidTarget)
	}
	a, err := s.orch.StartWithdraw(r.Context(), txflow.WithdrawRequest{DepositID: id})
	if err != nil {
		return startFailure(err)
	}
	return http.StatusAccepted, s.newActionResponse(a)
}

type forwardRequest struct {
	Destination string `json:"destination"`
}

func (s *Server) handleForward(r *http.Request, body []byte) (int, any) {
	id, err := depositIDParam(r)
	if err != nil {
		return failure(http.StatusBadRequest, err, txflow.KindInvalidTarget)
	}
	var req forwardRequest
	if err := decodeBody(body, &req); err != nil {
		return failure(http.StatusBadRequest, err, "")
	}
	a, err := s.orch.StartForward(r.Context(), txflow.ForwardRequest{DepositID: id, Destination: req.Destination})
	if err != nil {
		return startFailure(err)
	}
	return http.StatusAccepted, s.newActionResponse(a)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	var account *common.Address
	if raw := r.URL.Query().Get("account"); raw != "" {
		if !common.IsHexAddress(raw) {
			respondError(w, http.StatusBadRequest, "invalid account address", txflow.KindInvalidAddress)
			return
		}
		addr := common.HexToAddress(raw)
		account = &addr
	}
	out := []actionResponse{}
	for _, a := range s.orch.Tracker().List() {
		if account != nil && a.Account != *account {
			continue
		}
		out = append(out, s.newActionResponse(a))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	a, ok := s.orch.Tracker().Get(mux.Vars(r)["id"])
	if !ok {
		respondError(w, http.StatusNotFound, "action not found", "")
		return
	}
	respondJSON(w, http.StatusOK, s.newActionResponse(a))
}

// handleAcknowledgeAction dismisses a settled action.
func (s *Server) handleAcknowledgeAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, ok := s.orch.Tracker().Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "action not found", "")
		return
	}
	if !a.State.Terminal() || !s.orch.Tracker().Acknowledge(id) {
		respondError(w, http.StatusConflict, "action is still in flight", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
