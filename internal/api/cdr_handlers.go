package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/calldoc/calldoc/internal/database/models"
	"github.com/calldoc/calldoc/internal/smdr"
)

// cdrResponse is the JSON response for a single CDR.
type cdrResponse struct {
	ID            int64  `json:"id"`
	SourceType    string `json:"source_type"`
	CallID        int64  `json:"call_id"`
	Continuation  bool   `json:"continuation"`
	CallStart     string `json:"call_start"`
	ConnectedTime string `json:"connected_time"`
	RingTime      int    `json:"ring_time"`
	HoldTime      int    `json:"hold_time"`
	ParkTime      int    `json:"park_time"`
	Caller        string `json:"caller"`
	Direction     string `json:"direction"`
	CalledNumber  string `json:"called_number"`
	DialledNumber string `json:"dialled_number"`
	IsInternal    bool   `json:"is_internal"`
	Party1Device  string `json:"party1_device"`
	Party1Name    string `json:"party1_name"`
	Party2Device  string `json:"party2_device"`
	Party2Name    string `json:"party2_name"`
	Account       string `json:"account,omitempty"`
	CallCharge    string `json:"call_charge,omitempty"`
	Currency      string `json:"currency,omitempty"`
}

func toCDRResponse(c *models.CDR) cdrResponse {
	return cdrResponse{
		ID:            c.ID,
		SourceType:    c.SourceType,
		CallID:        c.CallID,
		Continuation:  c.Continuation,
		CallStart:     c.CallStart.Format(time.RFC3339),
		ConnectedTime: smdr.FormatDuration(c.ConnectedTime),
		RingTime:      c.RingTime,
		HoldTime:      c.HoldTime,
		ParkTime:      c.ParkTime,
		Caller:        c.Caller,
		Direction:     c.Direction,
		CalledNumber:  c.CalledNumber,
		DialledNumber: c.DialledNumber,
		IsInternal:    c.IsInternal,
		Party1Device:  c.Party1Device,
		Party1Name:    c.Party1Name,
		Party2Device:  c.Party2Device,
		Party2Name:    c.Party2Name,
		Account:       c.Account,
		CallCharge:    c.CallCharge,
		Currency:      c.Currency,
	}
}

// handleListCDRs returns every leg of one PBX call, in arrival order.
// Query params: call_id (required).
func (s *Server) handleListCDRs(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("call_id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "call_id is required")
		return
	}
	callID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "call_id must be an integer")
		return
	}

	cdrs, err := s.CDRs.ListByCallID(r.Context(), callID)
	if err != nil {
		s.logger.Error("list cdrs: failed to query", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]cdrResponse, len(cdrs))
	for i := range cdrs {
		items[i] = toCDRResponse(&cdrs[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetCDR returns a single CDR by ID.
func (s *Server) handleGetCDR(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cdr id")
		return
	}

	cdr, err := s.CDRs.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get cdr: failed to query", "error", err, "cdr_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cdr == nil {
		writeError(w, http.StatusNotFound, "cdr not found")
		return
	}

	writeJSON(w, http.StatusOK, toCDRResponse(cdr))
}
