package event

import (
	"encoding/json"
	"fmt"
	"time"

	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
)

// Wire formats. Field names use snake_case to match upstream producers;
// amounts travel as base-10 strings of base units, ids as 64-char hex,
// timestamps as unix seconds.

type headerJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Caller         string `json:"caller"`
	Source         string `json:"source,omitempty"`
	SourceSequence int64  `json:"source_sequence,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

func headerToJSON(h Header) headerJSON {
	return headerJSON{
		IdempotencyKey: h.Key,
		Caller:         h.Actor,
		Source:         h.Producer,
		SourceSequence: h.Seq,
		Timestamp:      h.Timestamp.Unix(),
	}
}

func (j headerJSON) header() (Header, error) {
	if j.IdempotencyKey == "" {
		return Header{}, fmt.Errorf("missing idempotency_key")
	}
	if j.Caller == "" {
		return Header{}, fmt.Errorf("missing caller")
	}
	if j.Timestamp <= 0 {
		return Header{}, fmt.Errorf("missing timestamp")
	}
	return Header{
		Key:       j.IdempotencyKey,
		Actor:     j.Caller,
		Producer:  j.Source,
		Seq:       j.SourceSequence,
		Timestamp: time.Unix(j.Timestamp, 0).UTC(),
	}, nil
}

type batchCreateJSON struct {
	headerJSON
	Vault string `json:"vault"`
	Asset string `json:"asset"`
}

type batchCloseJSON struct {
	headerJSON
	BatchID    ledger.ID `json:"batch_id"`
	CreateNext bool      `json:"create_next"`
}

type proposeJSON struct {
	headerJSON
	BatchID             ledger.ID `json:"batch_id"`
	ProposedTotalAssets string    `json:"proposed_total_assets"`
	CooldownSeconds     int64     `json:"cooldown_seconds"`
}

type proposalRefJSON struct {
	headerJSON
	ProposalID ledger.ID `json:"proposal_id"`
}

type gatewayFlowJSON struct {
	headerJSON
	Vault       string `json:"vault"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Beneficiary string `json:"beneficiary"`
}

type stakeJSON struct {
	headerJSON
	Vault     string `json:"vault"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount,omitempty"`
	Shares    string `json:"shares,omitempty"`
}

type requestRefJSON struct {
	headerJSON
	RequestID ledger.ID `json:"request_id"`
}

// Encode renders evt in its wire format. Decode(evt.EventType(), Encode(evt))
// yields an equal event, which is what replay relies on.
func Encode(evt Event) ([]byte, error) {
	var v interface{}
	switch e := evt.(type) {
	case *BatchCreate:
		v = batchCreateJSON{headerToJSON(e.Header), e.Vault, e.Asset}
	case *BatchClose:
		v = batchCloseJSON{headerToJSON(e.Header), e.BatchID, e.CreateNext}
	case *SettlementPropose:
		v = proposeJSON{headerToJSON(e.Header), e.BatchID, fpmath.String(e.ProposedTotalAssets), e.CooldownSeconds}
	case *SettlementReject:
		v = proposalRefJSON{headerToJSON(e.Header), e.ProposalID}
	case *SettlementExecute:
		v = proposalRefJSON{headerToJSON(e.Header), e.ProposalID}
	case *GatewayDeposit:
		v = gatewayFlowJSON{headerToJSON(e.Header), e.Vault, e.Asset, fpmath.String(e.Amount), e.Beneficiary}
	case *GatewayRedeemRequest:
		v = gatewayFlowJSON{headerToJSON(e.Header), e.Vault, e.Asset, fpmath.String(e.Amount), e.Beneficiary}
	case *GatewayRedeemFinalize:
		v = requestRefJSON{headerToJSON(e.Header), e.RequestID}
	case *GatewayMintClaim:
		v = requestRefJSON{headerToJSON(e.Header), e.RequestID}
	case *StakeRequest:
		v = stakeJSON{headerJSON: headerToJSON(e.Header), Vault: e.Vault, Recipient: e.Recipient, Amount: fpmath.String(e.Amount)}
	case *UnstakeRequest:
		v = stakeJSON{headerJSON: headerToJSON(e.Header), Vault: e.Vault, Recipient: e.Recipient, Shares: fpmath.String(e.Shares)}
	case *StakeClaim:
		v = requestRefJSON{headerToJSON(e.Header), e.RequestID}
	case *UnstakeClaim:
		v = requestRefJSON{headerToJSON(e.Header), e.RequestID}
	case *RequestCancel:
		v = requestRefJSON{headerToJSON(e.Header), e.RequestID}
	default:
		return nil, fmt.Errorf("encode: unknown event %T", evt)
	}
	return json.Marshal(v)
}

// Decode parses a wire payload of the given type.
func Decode(et EventType, data []byte) (Event, error) {
	switch et {
	case EventTypeBatchCreate:
		var j batchCreateJSON
		h, err := unmarshal(data, &j, &j.headerJSON, et)
		if err != nil {
			return nil, err
		}
		if j.Vault == "" || j.Asset == "" {
			return nil, fmt.Errorf("decode %s: vault and asset are required", et)
		}
		return &BatchCreate{Header: h, Vault: j.Vault, Asset: j.Asset}, nil

	case EventTypeBatchClose:
		var j batchCloseJSON
		h, err := unmarshal(data, &j, &j.headerJSON, et)
		if err != nil {
			return nil, err
		}
		return &BatchClose{Header: h, BatchID: j.BatchID, CreateNext: j.CreateNext}, nil

	case EventTypeSettlementPropose:
		var j proposeJSON
		h, err := unmarshal(data, &j, &j.headerJSON, et)
		if err != nil {
			return nil, err
		}
		total, err := fpmath.ParseAmount(j.ProposedTotalAssets)
		if err != nil {
			return nil, fmt.Errorf("decode %s: proposed_total_assets: %w", et, err)
		}
		return &SettlementPropose{Header: h, BatchID: j.BatchID, ProposedTotalAssets: total, CooldownSeconds: j.CooldownSeconds}, nil

	case EventTypeSettlementReject, EventTypeSettlementExecute:
		var j proposalRefJSON
		h, err := unmarshal(data, &j, &j.headerJSON, et)
		if err != nil {
			return nil, err
		}
		if et == EventTypeSettlementReject {
			return &SettlementReject{Header: h, ProposalID: j.ProposalID}, nil
		}
		return &SettlementExecute{Header: h, ProposalID: j.ProposalID}, nil

	case EventTypeGatewayDeposit, EventTypeGatewayRedeemRequest:
		var j gatewayFlowJSON
		h, err := unmarshal(data, &j, &j.headerJSON, et)
		if err != nil {
			return nil, err
		}
		amount, err := fpmath.ParseAmount(j.Amount)
		if err != nil {
			return nil, fmt.Errorf("decode %s: amount: %w", et, err)
		}
		if j.Vault == "" || j.Asset == "" {
			return nil, fmt.Errorf("decode %s: vault and asset are required", et)
		}
		beneficiary := j.Beneficiary
		if beneficiary == "" {
			beneficiary = h.Actor
		}
		if et == EventTypeGatewayDeposit {
			return &GatewayDeposit{Header: h, Vault: j.Vault, Asset: j.Asset, Amount: amount, Beneficiary: beneficiary}, nil
		}
		return &GatewayRedeemRequest{Header: h, Vault: j.Vault, Asset: j.Asset, Amount: amount, Beneficiary: beneficiary}, nil

	case EventTypeStakeRequest, EventTypeUnstakeRequest:
		var j stakeJSON
		h, err := unmarshal(data, &j, &j.headerJSON, et)
		if err != nil {
			return nil, err
		}
		if j.Vault == "" {
			return nil, fmt.Errorf("decode %s: vault is required", et)
		}
		recipient := j.Recipient
		if recipient == "" {
			recipient = h.Actor
		}
		if et == EventTypeStakeRequest {
			amount, err := fpmath.ParseAmount(j.Amount)
			if err != nil {
				return nil, fmt.Errorf("decode %s: amount: %w", et, err)
			}
			return &StakeRequest{Header: h, Vault: j.Vault, Recipient: recipient, Amount: amount}, nil
		}
		shares, err := fpmath.ParseAmount(j.Shares)
		if err != nil {
			return nil, fmt.Errorf("decode %s: shares: %w", et, err)
		}
		return &UnstakeRequest{Header: h, Vault: j.Vault, Recipient: recipient, Shares: shares}, nil

	case EventTypeGatewayRedeemFinalize, EventTypeGatewayMintClaim,
		EventTypeStakeClaim, EventTypeUnstakeClaim, EventTypeRequestCancel:
		var j requestRefJSON
		h, err := unmarshal(data, &j, &j.headerJSON, et)
		if err != nil {
			return nil, err
		}
		switch et {
		case EventTypeGatewayRedeemFinalize:
			return &GatewayRedeemFinalize{Header: h, RequestID: j.RequestID}, nil
		case EventTypeGatewayMintClaim:
			return &GatewayMintClaim{Header: h, RequestID: j.RequestID}, nil
		case EventTypeStakeClaim:
			return &StakeClaim{Header: h, RequestID: j.RequestID}, nil
		case EventTypeUnstakeClaim:
			return &UnstakeClaim{Header: h, RequestID: j.RequestID}, nil
		default:
			return &RequestCancel{Header: h, RequestID: j.RequestID}, nil
		}

	default:
		return nil, fmt.Errorf("unknown event type: %s", et)
	}
}

func unmarshal(data []byte, into interface{}, hdr *headerJSON, et EventType) (Header, error) {
	if err := json.Unmarshal(data, into); err != nil {
		return Header{}, fmt.Errorf("decode %s: %w", et, err)
	}
	h, err := hdr.header()
	if err != nil {
		return Header{}, fmt.Errorf("decode %s: %w", et, err)
	}
	return h, nil
}
