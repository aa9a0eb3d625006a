package settlement

import (
	"context"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"payout.settle/internal/chain"
	"payout.settle/internal/chain/chaintest"
	"payout.settle/internal/notify"
	"payout.settle/internal/store"
	"payout.settle/internal/store/sqlite"
)

const (
	testWallet   = "0x1111111111111111111111111111111111111111"
	operatorChat = notify.Recipient("900")
	payoutChan   = notify.Recipient("@payouts")
)

type sentMessage struct {
	To   notify.Recipient
	Text string
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []sentMessage
	err  error
}

func (r *recordingSink) Notify(_ context.Context, to notify.Recipient, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sentMessage{To: to, Text: text})
	return r.err
}

func (r *recordingSink) to(to notify.Recipient) []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentMessage
	for _, m := range r.msgs {
		if m.To == to {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	ledger   *sqlite.Store
	backend  *chaintest.Backend
	client   *chain.Client
	sink     *recordingSink
	sched    *Scheduler
	gate     *Gate
	recovery *Recovery
	triggers int
}

func testConfig() Config {
	return Config{
		MaxRetries:       3,
		BatchSize:        5,
		PollInterval:     time.Hour,
		PacingDelay:      0,
		GasLimit:         200000,
		TokenDecimals:    18,
		BroadcastTimeout: 200 * time.Millisecond,
		WaitReceipt:      true,
		ExplorerURL:      "https://polygonscan.com",
		OperatorChat:     operatorChat,
	}
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, testConfig(), nil)
}

// newHarnessWith builds the pipeline on a temp SQLite ledger. wrap, when set,
// replaces the chain the scheduler sees.
func newHarnessWith(t *testing.T, cfg Config, wrap func(Chain) Chain) *harness {
	t.Helper()

	ledger, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	be := chaintest.NewBackend()
	client, err := chain.NewClient(context.Background(), be, chain.Config{
		ContractAddress: chaintest.TokenContract,
		PrivateKey:      chaintest.PrivateKey,
		ReceiptPoll:     5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new chain client: %v", err)
	}

	var c Chain = client
	if wrap != nil {
		c = wrap(client)
	}

	h := &harness{ledger: ledger, backend: be, client: client, sink: &recordingSink{}}
	h.sched = NewScheduler(Deps{Ledger: ledger, Chain: c, Sink: h.sink}, cfg)
	h.gate = NewGate(ledger, h.sink, GateConfig{MinAmount: 15000, PayoutChannel: payoutChan}, nil, nil)
	h.recovery = NewRecovery(ledger, cfg.MaxRetries, func() {
		h.triggers++
		h.sched.Trigger()
	}, nil)
	return h
}

func (h *harness) fund(t *testing.T, userID, amount int64) {
	t.Helper()
	if _, err := h.ledger.CreditBalance(context.Background(), userID, amount, "test"); err != nil {
		t.Fatalf("credit balance: %v", err)
	}
}

func (h *harness) request(t *testing.T, userID int64, amount string) store.Withdrawal {
	t.Helper()
	w, err := h.gate.Request(context.Background(), IntakeRequest{UserID: userID, Amount: amount, Wallet: testWallet})
	if err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}
	return w
}

func (h *harness) runOnce(t *testing.T) BatchReport {
	t.Helper()
	report, err := h.sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	return report
}

func (h *harness) get(t *testing.T, id int64) store.Withdrawal {
	t.Helper()
	w, err := h.ledger.GetWithdrawal(context.Background(), id)
	if err != nil {
		t.Fatalf("get withdrawal %d: %v", id, err)
	}
	return w
}

func (h *harness) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return b
}

// markBroadcast signs a transfer for w at nonce and records it as the
// in-progress broadcast without sending it.
func (h *harness) markBroadcast(t *testing.T, w store.Withdrawal, nonce uint64) store.BroadcastAttempt {
	t.Helper()
	data, err := h.client.BuildTransfer(w.Wallet, chain.ToSmallestUnit(w.Amount, 18))
	if err != nil {
		t.Fatalf("build transfer: %v", err)
	}
	tx, err := h.client.Sign(chain.Envelope{Nonce: nonce, GasPrice: big.NewInt(1), GasLimit: 200000, Data: data})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := chain.EncodeRaw(tx)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	attempt := store.BroadcastAttempt{TxHash: tx.Hash().Hex(), Nonce: nonce, Raw: raw, At: time.Now()}
	if err := h.ledger.MarkBroadcast(context.Background(), w.ID, attempt); err != nil {
		t.Fatalf("mark broadcast: %v", err)
	}
	return attempt
}

func contains(msgs []sentMessage, sub string) bool {
	for _, m := range msgs {
		if strings.Contains(m.Text, sub) {
			return true
		}
	}
	return false
}
