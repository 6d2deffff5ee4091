package custody

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/router"

	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Subjects used to talk to the custodian service.
const (
	ReportSubjectPrefix      = "vault.custody.report"
	InstructionSubjectPrefix = "vault.custody.instructions"
	InstructionStream        = "VAULT_CUSTODY_INSTRUCTIONS"
)

type reportRequest struct {
	Vault string `json:"vault"`
	Asset string `json:"asset"`
}

type reportReply struct {
	TotalAssets string `json:"total_assets"`
	Error       string `json:"error,omitempty"`
}

type instruction struct {
	Kind      string `json:"kind"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// NATSAdapter queries the custodian over core NATS request/reply and sends
// fund movements as JetStream instructions deduplicated by reference.
type NATSAdapter struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	timeout time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewNATSAdapter(nc *nats.Conn, js jetstream.JetStream, timeout time.Duration, metrics *observability.Metrics) *NATSAdapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSAdapter{
		nc:      nc,
		js:      js,
		timeout: timeout,
		metrics: metrics,
		logger:  observability.NewLogger("custody"),
	}
}

func (a *NATSAdapter) ReportTotalAssets(ctx context.Context, vault, asset string) (*uint256.Int, error) {
	body, err := json.Marshal(reportRequest{Vault: vault, Asset: asset})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	msg, err := a.nc.RequestWithContext(ctx, fmt.Sprintf("%s.%s.%s", ReportSubjectPrefix, vault, asset), body)
	if err != nil {
		return nil, fmt.Errorf("custody report %s:%s: %w", vault, asset, err)
	}
	var reply reportReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("custody report %s:%s: decode reply: %w", vault, asset, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("custody report %s:%s: %s", vault, asset, reply.Error)
	}
	return fpmath.ParseAmount(reply.TotalAssets)
}

func (a *NATSAdapter) Pull(ctx context.Context, asset string, amount *uint256.Int) error {
	return a.instruct(ctx, instruction{Kind: "pull", Asset: asset, Amount: amount.Dec()}, "")
}

func (a *NATSAdapter) Transfer(ctx context.Context, t router.Transfer) error {
	return a.instruct(ctx, instruction{
		Kind:      "transfer",
		Asset:     t.Asset,
		Amount:    t.Amount.Dec(),
		From:      t.From,
		To:        t.To,
		Reference: t.Reference,
	}, t.Reference)
}

func (a *NATSAdapter) instruct(ctx context.Context, in instruction, msgID string) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%s.%s", InstructionSubjectPrefix, in.Kind, in.Asset)
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(in.Kind+":"+msgID))
	}
	ack, err := a.js.Publish(ctx, subject, data, opts...)
	if a.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		a.metrics.ExternalTransfers.WithLabelValues(in.Asset, in.Kind+"_"+status).Inc()
	}
	if err != nil {
		return fmt.Errorf("custody %s %s %s: %w", in.Kind, in.Amount, in.Asset, err)
	}
	a.logger.Debug().
		Str("kind", in.Kind).
		Str("asset", in.Asset).
		Str("amount", in.Amount).
		Str("reference", in.Reference).
		Uint64("stream_seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("custody instruction published")
	return nil
}

// EnsureInstructionStream creates the stream custody instructions land on.
func EnsureInstructionStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       InstructionStream,
		Subjects:   []string{InstructionSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 24 * time.Hour,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create custody stream: %w", err)
	}
	return nil
}
