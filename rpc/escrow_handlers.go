package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	coretypes "escrowd/core/types"
	"escrowd/crypto"
	"escrowd/native/escrow"
)

type createAgreementParams struct {
	Buyers     []string `json:"buyers"`
	Sellers    []string `json:"sellers"`
	Amount     string   `json:"amount"`
	Expiration int64    `json:"expiration"`
}

type agreementIDParams struct {
	ID uint64 `json:"id"`
}

type agreementActorParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type agreementValueParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type resolveDisputeParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
	Winner string `json:"winner"`
}

type stakeQueryParams struct {
	ID      uint64 `json:"id"`
	Address string `json:"address"`
}

type setServiceFeeParams struct {
	Caller string `json:"caller"`
	Bps    uint32 `json:"bps"`
}

type balanceParams struct {
	Address string `json:"address"`
}

type creditParams struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type setPausedParams struct {
	Caller string `json:"caller"`
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

type createResult struct {
	ID uint64 `json:"id"`
}

type partyJSON struct {
	Address  string `json:"address"`
	Approved bool   `json:"approved"`
}

type agreementJSON struct {
	ID         uint64      `json:"id"`
	Buyers     []partyJSON `json:"buyers"`
	Sellers    []partyJSON `json:"sellers"`
	Amount     string      `json:"amount"`
	Released   string      `json:"released"`
	Staked     string      `json:"staked"`
	Expiration int64       `json:"expiration"`
	CreatedAt  int64       `json:"createdAt"`
	Disputed   bool        `json:"disputed"`
	Cancelled  bool        `json:"cancelled"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Stake   string `json:"stake"`
	Nonce   uint64 `json:"nonce"`
}

type eventJSON struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params createAgreementParams
	if !decodeParams(w, req, &params) {
		return
	}
	buyers, err := parseAddressList(params.Buyers)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	sellers, err := parseAddressList(params.Sellers)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := s.node.CreateAgreement(buyers, sellers, amount, params.Expiration)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, createResult{ID: id})
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params agreementIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	agreement, err := s.node.GetAgreement(params.ID)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatAgreementJSON(agreement))
}

func (s *Server) handleDepositFunds(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params agreementValueParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.DepositFunds(params.ID, caller, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleReleaseFunds(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params agreementValueParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.ReleaseFunds(params.ID, caller, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleInitiateDispute(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params agreementActorParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.InitiateDispute(params.ID, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params resolveDisputeParams
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
	if err := s.node.ResolveDispute(params.ID, caller, winner); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleCancelAgreement(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params agreementActorParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.CancelAgreement(params.ID, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleDepositStake(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params agreementValueParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.DepositStake(params.ID, caller, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleGetStake(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params stakeQueryParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	stake, err := s.node.StakeOf(params.ID, addr)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, stake.String())
}

func (s *Server) handleGetServiceFee(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	bps, err := s.node.ServiceFeeBps()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bps)
}

func (s *Server) handleSetServiceFee(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params setServiceFeeParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.SetServiceFee(caller, params.Bps); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params balanceParams
	if !decodeParams(w, req, &params) {
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	account, err := s.node.GetAccount(addr)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatBalance(params.Address, account))
}

func (s *Server) handleCredit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params creditParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Credit(caller, addr, amount); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleSetPaused(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params setPausedParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if strings.TrimSpace(params.Module) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "module required")
		return
	}
	if err := s.node.SetPaused(caller, params.Module, params.Paused); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	emitted := s.node.Events()
	out := make([]eventJSON, 0, len(emitted))
	for _, evt := range emitted {
		entry := eventJSON{Type: evt.EventType()}
		if carrier, ok := evt.(interface{ Event() *coretypes.Event }); ok {
			if payload := carrier.Event(); payload != nil {
				entry.Attributes = payload.Attributes
			}
		}
		out = append(out, entry)
	}
	writeResult(w, req.ID, out)
}

func decodeParams(w http.ResponseWriter, req *RPCRequest, target interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], target); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func parseBech32Address(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	return decoded.Array(), nil
}

func parseAddressList(addrs []string) ([][20]byte, error) {
	out := make([][20]byte, 0, len(addrs))
	for _, raw := range addrs {
		decoded, err := parseBech32Address(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func formatParties(parties []escrow.Party) []partyJSON {
	out := make([]partyJSON, 0, len(parties))
	for _, p := range parties {
		out = append(out, partyJSON{
			Address:  crypto.NewAddress(p.Address[:]).String(),
			Approved: p.Approved,
		})
	}
	return out
}

func formatAgreementJSON(agreement *escrow.Agreement) agreementJSON {
	out := agreementJSON{
		ID:         agreement.ID,
		Buyers:     formatParties(agreement.Buyers),
		Sellers:    formatParties(agreement.Sellers),
		Amount:     "0",
		Released:   "0",
		Staked:     "0",
		Expiration: agreement.Expiration,
		CreatedAt:  agreement.CreatedAt,
		Disputed:   agreement.Disputed,
		Cancelled:  agreement.Cancelled,
	}
	if agreement.Amount != nil {
		out.Amount = agreement.Amount.String()
	}
	if agreement.Released != nil {
		out.Released = agreement.Released.String()
	}
	if agreement.Staked != nil {
		out.Staked = agreement.Staked.String()
	}
	return out
}

func formatBalance(addr string, account *coretypes.Account) balanceResult {
	out := balanceResult{Address: strings.TrimSpace(addr), Balance: "0", Stake: "0", Nonce: account.Nonce}
	if account.Balance != nil {
		out.Balance = account.Balance.String()
	}
	if account.Stake != nil {
		out.Stake = account.Stake.String()
	}
	return out
}
