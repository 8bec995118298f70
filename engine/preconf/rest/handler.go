package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/interstate-labs/sidecar/engine/preconf/admission"
	"github.com/interstate-labs/sidecar/model/preconf"
	"github.com/interstate-labs/sidecar/module/mempool"
)

// Handler implements the HTTP endpoints. Routing and middleware live in
// Server; Handler only translates between the wire and the engines.
type Handler struct {
	log        zerolog.Logger
	controller *admission.Controller
	store      mempool.Commitments
}

func NewHandler(log zerolog.Logger, controller *admission.Controller, store mempool.Commitments) *Handler {
	return &Handler{
		log:        log.With().Str("engine", "rest").Logger(),
		controller: controller,
		store:      store,
	}
}

// preconfirmationRequest is the intake wire format.
type preconfirmationRequest struct {
	Slot      uint64          `json:"slot"`
	Txs       []hexutil.Bytes `json:"txs"`
	Signature string          `json:"signature"`
	Sender    string          `json:"sender"`
}

type preconfirmationResponse struct {
	OK       bool        `json:"ok"`
	Digest   common.Hash `json:"digest"`
	Slot     uint64      `json:"slot"`
	Deadline time.Time   `json:"deadline"`
}

// Rejection codes carried in error responses. Clients dispatch on the code,
// not on the HTTP status or the message prose.
const (
	CodeMalformed             = "Malformed"
	CodeDeadlineExceeded      = "DeadlineExceeded"
	CodeDuplicate             = "Duplicate"
	CodeConflictingCommitment = "ConflictingCommitment"
	CodeLimitExceeded         = "LimitExceeded"
	CodeNotFound              = "NotFound"
	CodeInternal              = "InternalError"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitPreconfirmation handles POST /api/v1/preconfirmation.
func (h *Handler) SubmitPreconfirmation(w http.ResponseWriter, r *http.Request) {
	var wire preconfirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformed, "invalid request body: "+err.Error())
		return
	}

	req, err := decodeRequest(&wire)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformed, err.Error())
		return
	}

	ack, err := h.controller.Submit(req)
	if err != nil {
		status, code := rejectionFor(err)
		if status == http.StatusInternalServerError {
			h.log.Error().Err(err).Msg("admission failed unexpectedly")
			writeError(w, status, code, "internal error")
			return
		}
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, preconfirmationResponse{
		OK:       true,
		Digest:   ack.Digest,
		Slot:     uint64(ack.Slot),
		Deadline: ack.Deadline,
	})
}

// SlotCommitments handles GET /api/v1/slots/{slot}/commitments.
func (h *Handler) SlotCommitments(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}

	type commitmentJSON struct {
		ID       common.Hash   `json:"id"`
		Sender   string        `json:"sender"`
		TxHashes []common.Hash `json:"tx_hashes"`
		Status   string        `json:"status"`
	}
	commitments := h.store.BySlot(slot)
	out := struct {
		Slot        uint64           `json:"slot"`
		Phase       string           `json:"phase"`
		Commitments []commitmentJSON `json:"commitments"`
	}{
		Slot:        uint64(slot),
		Phase:       h.store.Phase(slot).String(),
		Commitments: make([]commitmentJSON, 0, len(commitments)),
	}
	for _, c := range commitments {
		out.Commitments = append(out.Commitments, commitmentJSON{
			ID:       c.ID(),
			Sender:   c.Sender.Hex(),
			TxHashes: c.TxHashes(),
			Status:   c.Status.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// SlotConstraints handles GET /api/v1/slots/{slot}/constraints.
func (h *Handler) SlotConstraints(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	set, ok := h.store.ConstraintSet(slot)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "no constraint set for slot")
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// SlotAudit handles GET /api/v1/slots/{slot}/audit, returning the canonical
// CBOR audit export.
func (h *Handler) SlotAudit(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	audit, err := h.store.ExportAudit(slot)
	if errors.Is(err, mempool.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, "slot not tracked")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("audit export failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audit)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeRequest(wire *preconfirmationRequest) (*preconf.CommitmentRequest, error) {
	if len(wire.Txs) == 0 {
		return nil, errors.New("txs must not be empty")
	}
	if !common.IsHexAddress(wire.Sender) {
		return nil, errors.New("sender is not a valid address")
	}
	sigBytes, err := hexutil.Decode(wire.Signature)
	if err != nil {
		return nil, errors.New("signature is not valid hex")
	}
	if len(sigBytes) != 65 {
		return nil, errors.New("signature must be 65 bytes")
	}

	req := &preconf.CommitmentRequest{
		Slot:   preconf.Slot(wire.Slot),
		Sender: common.HexToAddress(wire.Sender),
	}
	copy(req.Signature[:], sigBytes)
	for i, raw := range wire.Txs {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, errors.New("tx " + strconv.Itoa(i) + " is not a valid transaction")
		}
		req.Txs = append(req.Txs, tx)
		req.RawTxs = append(req.RawTxs, raw)
	}
	return req, nil
}

// rejectionFor maps admission outcomes to an HTTP status and rejection code.
func rejectionFor(err error) (int, string) {
	switch {
	case preconf.IsInvalidCommitmentError(err):
		return http.StatusBadRequest, CodeMalformed
	case preconf.IsDeadlineExceededError(err):
		return http.StatusBadRequest, CodeDeadlineExceeded
	case errors.Is(err, preconf.ErrDuplicate):
		return http.StatusConflict, CodeDuplicate
	case preconf.IsConflictingCommitmentError(err):
		return http.StatusConflict, CodeConflictingCommitment
	case preconf.IsLimitExceededError(err):
		return http.StatusTooManyRequests, CodeLimitExceeded
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func slotParam(w http.ResponseWriter, r *http.Request) (preconf.Slot, bool) {
	raw := mux.Vars(r)["slot"]
	slot, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformed, "invalid slot")
		return 0, false
	}
	return preconf.Slot(slot), true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
