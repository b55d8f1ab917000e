package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"tandachain/crypto"
	"tandachain/native/tanda"
)

type createParams struct {
	Participants []string `json:"participants"`
	Contribution string   `json:"contribution"`
	Guarantee    string   `json:"guarantee"`
	FiatVault    *string  `json:"fiatVault,omitempty"`
}

type depositParams struct {
	ID          string `json:"id"`
	Beneficiary string `json:"beneficiary,omitempty"`
	Amount      string `json:"amount"`
}

type payoutParams struct {
	ID             string `json:"id"`
	WithdrawalType string `json:"withdrawalType"`
}

type closeParams struct {
	ID       string `json:"id"`
	AdminCap string `json:"adminCap"`
}

type idParams struct {
	ID string `json:"id"`
}

type accountParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount,omitempty"`
}

func decodeParams(req *RPCRequest, dst interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected a single params object")
	}
	dec := json.NewDecoder(strings.NewReader(string(req.Params[0])))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func (s *Server) requireCaller(w http.ResponseWriter, r *http.Request, req *RPCRequest) ([20]byte, bool) {
	caller, ok := callerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, errMissingCaller.Error(), nil)
		return caller, false
	}
	return caller, true
}

func invalidParams(w http.ResponseWriter, req *RPCRequest, err error) {
	writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params createParams
	if err := decodeParams(req, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	participants := make([][20]byte, len(params.Participants))
	for i, raw := range params.Participants {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			invalidParams(w, req, fmt.Errorf("participants[%d]: %w", i, err))
			return
		}
		participants[i] = addr
	}
	contribution, err := parseAmount(params.Contribution)
	if err != nil {
		invalidParams(w, req, fmt.Errorf("contribution: %w", err))
		return
	}
	guarantee, err := parseAmount(params.Guarantee)
	if err != nil {
		invalidParams(w, req, fmt.Errorf("guarantee: %w", err))
		return
	}
	var vault *[20]byte
	if params.FiatVault != nil {
		addr, err := crypto.ParseAddress(*params.FiatVault)
		if err != nil {
			invalidParams(w, req, fmt.Errorf("fiatVault: %w", err))
			return
		}
		vault = &addr
	}
	snap, capID, err := s.engine.Create(caller, participants, contribution, guarantee, vault)
	if err != nil {
		writeTandaError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, CreateResult{ID: hexID(snap.ID), AdminCap: hexID(capID), Tanda: formatTanda(snap)})
}

type depositKind int

const (
	depositGuarantee depositKind = iota
	depositPayment
	depositPaymentFor
)

func (s *Server) handleDepositGuarantee(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleDeposit(w, r, req, depositGuarantee)
}

func (s *Server) handleDepositPayment(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleDeposit(w, r, req, depositPayment)
}

func (s *Server) handleDepositPaymentFor(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleDeposit(w, r, req, depositPaymentFor)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest, kind depositKind) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params depositParams
	if err := decodeParams(req, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	id, err := parseID(params.ID)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	switch kind {
	case depositPaymentFor:
		beneficiary, perr := crypto.ParseAddress(params.Beneficiary)
		if perr != nil {
			invalidParams(w, req, fmt.Errorf("beneficiary: %w", perr))
			return
		}
		err = s.engine.DepositPaymentFor(id, caller, beneficiary, amount)
	case depositGuarantee:
		err = s.engine.DepositGuarantee(id, caller, amount)
	default:
		err = s.engine.DepositPayment(id, caller, amount)
	}
	if err != nil {
		writeTandaError(w, req.ID, err)
		return
	}
	s.writeSnapshot(w, req, id)
}

func (s *Server) handlePayoutRound(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params payoutParams
	if err := decodeParams(req, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	id, err := parseID(params.ID)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	withdrawal, err := tanda.ParseWithdrawalType(params.WithdrawalType)
	if err != nil {
		writeTandaError(w, req.ID, err)
		return
	}
	if err := s.engine.PayoutRound(id, caller, withdrawal); err != nil {
		writeTandaError(w, req.ID, err)
		return
	}
	s.writeSnapshot(w, req, id)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	caller, ok := s.requireCaller(w, r, req)
	if !ok {
		return
	}
	var params closeParams
	if err := decodeParams(req, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	id, err := parseID(params.ID)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	capID, err := parseID(params.AdminCap)
	if err != nil {
		invalidParams(w, req, fmt.Errorf("adminCap: %w", err))
		return
	}
	if err := s.engine.Close(id, capID, caller); err != nil {
		writeTandaError(w, req.ID, err)
		return
	}
	s.writeSnapshot(w, req, id)
}

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params idParams
	if err := decodeParams(req, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	id, err := parseID(params.ID)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	s.writeSnapshot(w, req, id)
}

func (s *Server) writeSnapshot(w http.ResponseWriter, req *RPCRequest, id [32]byte) {
	snap, err := s.engine.Get(id)
	if err != nil {
		writeTandaError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatTanda(snap))
}

func (s *Server) handleBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params accountParams
	if err := decodeParams(req, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	addr, err := crypto.ParseAddress(params.Address)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	balance, err := s.engine.Balance(addr)
	if err != nil {
		writeTandaError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, BalanceResult{Address: crypto.FromRaw(addr).String(), Balance: amountString(balance)})
}

func (s *Server) handleFaucet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params accountParams
	if err := decodeParams(req, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	addr, err := crypto.ParseAddress(params.Address)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil || amount.Sign() == 0 {
		invalidParams(w, req, fmt.Errorf("amount must be positive"))
		return
	}
	if err := s.engine.Faucet(addr, amount); err != nil {
		writeTandaError(w, req.ID, err)
		return
	}
	balance, err := s.engine.Balance(addr)
	if err != nil {
		writeTandaError(w, req.ID, err)
		return
	}
	s.logger.Info("faucet credited", "address", crypto.FromRaw(addr).String(), "amount", amount.String())
	writeResult(w, req.ID, BalanceResult{Address: crypto.FromRaw(addr).String(), Balance: amountString(balance)})
}
