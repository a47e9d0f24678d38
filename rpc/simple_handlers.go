package rpc

import (
	"net/http"

	"escrowd/crypto"
	"escrowd/native/escrow"
)

type simpleCreateParams struct {
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Amount string `json:"amount"`
}

type simpleActorParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type simpleResolveParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
	Winner string `json:"winner"`
}

type simpleAgreementJSON struct {
	ID        uint64 `json:"id"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

func (s *Server) handleSimpleCreate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params simpleCreateParams
	if !decodeParams(w, req, &params) {
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := s.node.SimpleCreate(buyer, seller, amount)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, createResult{ID: id})
}

func (s *Server) handleSimpleGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params agreementIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	agreement, err := s.node.SimpleGet(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSimpleJSON(agreement))
}

func (s *Server) handleSimpleConfirmDelivery(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleSimpleAction(w, req, s.node.SimpleConfirmDelivery)
}

func (s *Server) handleSimpleRefund(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleSimpleAction(w, req, s.node.SimpleRefund)
}

func (s *Server) handleSimpleDispute(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleSimpleAction(w, req, s.node.SimpleDispute)
}

func (s *Server) handleSimpleAction(w http.ResponseWriter, req *RPCRequest, action func(uint64, [20]byte) error) {
	var params simpleActorParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := action(params.ID, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleSimpleResolve(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params simpleResolveParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	winner, err := parseBech32Address(params.Winner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SimpleResolve(params.ID, caller, winner); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func formatSimpleJSON(agreement *escrow.SimpleAgreement) simpleAgreementJSON {
	out := simpleAgreementJSON{
		ID:        agreement.ID,
		Buyer:     crypto.NewAddress(agreement.Buyer[:]).String(),
		Seller:    crypto.NewAddress(agreement.Seller[:]).String(),
		Amount:    "0",
		Status:    agreement.Status.String(),
		CreatedAt: agreement.CreatedAt,
	}
	if agreement.Amount != nil {
		out.Amount = agreement.Amount.String()
	}
	return out
}
