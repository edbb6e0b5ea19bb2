package workflow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/internal/events"
	"TokenSwarm/internal/observability/metrics"
	"TokenSwarm/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/time/rate"
)

func testAccounts(t *testing.T, n int) []wallet.Account {
	t.Helper()
	accounts := make([]wallet.Account, n)
	for i := range accounts {
		accounts[i] = wallet.NewAccount(i, testKey(t))
	}
	return accounts
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestDistributeIsStrictlySequential(t *testing.T) {
	chain := newFakeChain()
	accounts := testAccounts(t, 4)

	results := NewDistributor(chain, 0).Distribute(context.Background(), testKey(t), accounts, big.NewInt(100))
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}

	ops := chain.ops()
	if len(ops) != 8 {
		t.Fatalf("expected 8 chain calls, got %d", len(ops))
	}
	for i := 0; i < 4; i++ {
		send, wait := ops[2*i], ops[2*i+1]
		if send.op != "send" || wait.op != "wait" || send.hash != wait.hash {
			t.Fatalf("transfer %d was not confirmed before the next submission: %+v %+v", i, send, wait)
		}
		if send.to != accounts[i].Address {
			t.Fatalf("transfer %d sent to %s", i, send.to.Hex())
		}
		if !results[i].Succeeded || results[i].TxHash == nil || *results[i].TxHash != send.hash {
			t.Fatalf("unexpected result %d: %+v", i, results[i])
		}
	}
}

func TestDistributeIsolatesSingleFailure(t *testing.T) {
	chain := newFakeChain()
	accounts := testAccounts(t, 4)
	chain.transferErr[accounts[1].Address] = errInjected
	pub := events.NewMemory()

	results := NewDistributor(chain, 0, WithPublisher(pub)).
		Distribute(context.Background(), testKey(t), accounts, big.NewInt(100))
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for i, res := range results {
		if i == 1 {
			if res.Succeeded || res.TxHash != nil {
				t.Fatalf("expected failure without hash at index 1, got %+v", res)
			}
			if xerrors.CodeOf(res.Err) != CodeFundingFailed || xerrors.IsFatal(res.Err) {
				t.Fatalf("expected non-fatal funding failure, got %v", res.Err)
			}
			continue
		}
		if !res.Succeeded {
			t.Fatalf("account %d should have been funded: %v", i, res.Err)
		}
	}
	if got := len(chain.callsOf("send")); got != 3 {
		t.Fatalf("expected 3 submitted transfers, got %d", got)
	}

	failed := 0
	for _, ev := range pub.Events() {
		if ev.Kind == events.KindTxFailed {
			failed++
			if ev.Index == nil || *ev.Index != 1 {
				t.Fatalf("failure event carries wrong index: %+v", ev)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("expected 1 failure event, got %d", failed)
	}
}

func TestDistributeTreatsRevertAsFailure(t *testing.T) {
	chain := newFakeChain()
	funder := testKey(t)
	chain.revert[crypto.PubkeyToAddress(funder.PublicKey)] = true

	results := NewDistributor(chain, 0).Distribute(context.Background(), funder, testAccounts(t, 2), big.NewInt(1))
	for i, res := range results {
		if res.Succeeded || res.TxHash != nil {
			t.Fatalf("result %d should have failed: %+v", i, res)
		}
		if !errors.Is(res.Err, xerrors.New(xerrors.CodeTxReverted, "")) {
			t.Fatalf("expected reverted cause, got %v", res.Err)
		}
	}
}

func TestDeployExtractsAssetAddress(t *testing.T) {
	chain := newFakeChain()
	params := AssetParams{Name: "Swarm", Symbol: "SWM", Supply: "1000", TotalSupply: big.NewInt(1000)}

	record, err := NewDeployer(chain, chain.factory, 0).Deploy(context.Background(), testKey(t), params)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if record.AssetAddress != chain.asset {
		t.Fatalf("unexpected asset %s", record.AssetAddress.Hex())
	}
	if record.Name != "Swarm" || record.Symbol != "SWM" || record.Supply != "1000" || len(record.Transactions) != 0 {
		t.Fatalf("unexpected record %+v", record)
	}
	sends := chain.callsOf("send")
	if len(sends) != 1 || sends[0].to != chain.factory {
		t.Fatalf("expected one factory call, got %+v", sends)
	}
}

func TestDeployWithoutCreationEventIsFatal(t *testing.T) {
	chain := newFakeChain()
	chain.omitCreation = true
	params := AssetParams{Name: "Swarm", Symbol: "SWM", Supply: "1", TotalSupply: big.NewInt(1)}

	_, err := NewDeployer(chain, chain.factory, 0).Deploy(context.Background(), testKey(t), params)
	if xerrors.CodeOf(err) != CodeDeploymentFailed || !xerrors.IsFatal(err) {
		t.Fatalf("expected fatal deployment failure, got %v", err)
	}
}

func TestPurchaseAllSubmitsEverythingBeforeWaiting(t *testing.T) {
	chain := newFakeChain()
	accounts := testAccounts(t, 5)
	// 第一个账户立即提交，其余账户的广播明显更慢。
	for i, acct := range accounts[1:] {
		chain.sendDelay[acct.Address] = time.Duration(20*(i+1)) * time.Millisecond
	}

	txs, err := NewPurchaser(chain, 0).PurchaseAll(context.Background(), accounts, chain.asset, big.NewInt(5))
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if len(txs) != 5 {
		t.Fatalf("expected 5 transactions, got %d", len(txs))
	}

	ops := chain.ops()
	for i := 0; i < 5; i++ {
		if ops[i].op != "send" {
			t.Fatalf("call %d was %s before all submissions finished", i, ops[i].op)
		}
	}

	senders := map[common.Hash]common.Address{}
	for _, call := range chain.callsOf("send") {
		senders[call.hash] = call.from
		if call.to != chain.asset {
			t.Fatalf("purchase sent to %s", call.to.Hex())
		}
	}
	for i, tx := range txs {
		if senders[tx.Hash] != accounts[i].Address {
			t.Fatalf("transaction %d does not belong to account %d", i, i)
		}
		if tx.BlockNumber != 10 {
			t.Fatalf("unexpected block number %d", tx.BlockNumber)
		}
	}
}

func TestPurchaseAllFailsAsAWhole(t *testing.T) {
	chain := newFakeChain()
	accounts := testAccounts(t, 3)
	chain.waitErr[accounts[2].Address] = errInjected

	txs, err := NewPurchaser(chain, 0).PurchaseAll(context.Background(), accounts, chain.asset, big.NewInt(5))
	if err == nil {
		t.Fatal("expected joined failure")
	}
	if txs != nil {
		t.Fatalf("no partial result should be returned, got %v", txs)
	}
	if xerrors.CodeOf(err) != CodePurchaseFailed || !xerrors.IsFatal(err) {
		t.Fatalf("expected fatal purchase failure, got %v", err)
	}
}

func TestPurchaseAllAbandonsSiblingsWithoutFailingThem(t *testing.T) {
	chain := newFakeChain()
	accounts := testAccounts(t, 3)
	chain.waitErr[accounts[0].Address] = errInjected
	chain.waitDelay[accounts[1].Address] = 5 * time.Second
	chain.waitDelay[accounts[2].Address] = 5 * time.Second
	pub := events.NewMemory()
	rec := metrics.New()

	_, err := NewPurchaser(chain, 0, WithPublisher(pub), WithMetrics(rec)).
		PurchaseAll(context.Background(), accounts, chain.asset, big.NewInt(5))
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected the real failure to be reported, got %v", err)
	}

	var failed []int
	for _, ev := range pub.Events() {
		if ev.Kind == events.KindTxFailed {
			if ev.Index == nil {
				t.Fatalf("failure event without index: %+v", ev)
			}
			failed = append(failed, *ev.Index)
		}
	}
	if len(failed) != 1 || failed[0] != 0 {
		t.Fatalf("only account 0 should be reported failed, got %v", failed)
	}

	text := scrapeMetrics(t, rec)
	for _, want := range []string{
		`tokenswarm_transactions_total{outcome="failed",stage="purchase"} 1`,
		`tokenswarm_transactions_total{outcome="abandoned",stage="purchase"} 2`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in exposition:\n%s", want, text)
		}
	}
}

func scrapeMetrics(t *testing.T, rec *metrics.Recorder) string {
	t.Helper()
	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestPurchaseAllSubmissionFailureSkipsConfirmation(t *testing.T) {
	chain := newFakeChain()
	accounts := testAccounts(t, 3)
	chain.sendErr[accounts[0].Address] = errInjected

	_, err := NewPurchaser(chain, 0).PurchaseAll(context.Background(), accounts, chain.asset, big.NewInt(5))
	if xerrors.CodeOf(err) != CodePurchaseFailed {
		t.Fatalf("expected purchase failure, got %v", err)
	}
	if waits := chain.callsOf("wait"); len(waits) != 0 {
		t.Fatalf("no confirmation should be awaited, got %d", len(waits))
	}
	if sends := chain.callsOf("send"); len(sends) != 2 {
		t.Fatalf("other accounts should still have submitted, got %d", len(sends))
	}
}

func TestPurchaseAllConfirmationTimeout(t *testing.T) {
	chain := newFakeChain()
	accounts := testAccounts(t, 2)
	chain.waitDelay[accounts[1].Address] = time.Second

	_, err := NewPurchaser(chain, 0, WithConfirmTimeout(20*time.Millisecond)).
		PurchaseAll(context.Background(), accounts, chain.asset, big.NewInt(5))
	if !errors.Is(err, xerrors.New(xerrors.CodeTimeout, "")) {
		t.Fatalf("expected timeout cause, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded in chain, got %v", err)
	}
}

func TestPurchaseEachKeepsConfirmedHashes(t *testing.T) {
	chain := newFakeChain()
	accounts := testAccounts(t, 3)
	chain.revert[accounts[1].Address] = true

	outcomes, err := NewPurchaser(chain, 0).PurchaseEach(context.Background(), accounts, chain.asset, big.NewInt(5))
	if err != nil {
		t.Fatalf("purchase each: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for i, out := range outcomes {
		if out.Account.Index != i || out.Hash == (common.Hash{}) {
			t.Fatalf("outcome %d missing account or hash: %+v", i, out)
		}
		if i == 1 {
			if xerrors.CodeOf(out.Err) != CodePurchaseFailed || xerrors.IsFatal(out.Err) {
				t.Fatalf("expected isolated failure, got %v", out.Err)
			}
			continue
		}
		if out.Err != nil || out.BlockNumber != 10 {
			t.Fatalf("outcome %d should be confirmed: %+v", i, out)
		}
	}
}

func TestPurchaseAndAuditRefuseZeroAsset(t *testing.T) {
	chain := newFakeChain()
	accounts := testAccounts(t, 1)

	if _, err := NewPurchaser(chain, 0).PurchaseAll(context.Background(), accounts, common.Address{}, big.NewInt(1)); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("purchase all: expected invalid argument, got %v", err)
	}
	if _, err := NewPurchaser(chain, 0).PurchaseEach(context.Background(), accounts, common.Address{}, big.NewInt(1)); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("purchase each: expected invalid argument, got %v", err)
	}
	if _, err := NewAuditor(chain).Audit(context.Background(), accounts, common.Address{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("audit: expected invalid argument, got %v", err)
	}
	if len(chain.ops()) != 0 {
		t.Fatal("no chain call should be made for a zero asset")
	}
}

func TestAuditSkipsUnreadableAccounts(t *testing.T) {
	chain := newFakeChain()
	accounts := testAccounts(t, 3)
	chain.balanceErr[accounts[1].Address] = errInjected
	chain.balances[accounts[2].Address] = big.NewInt(42)
	pub := events.NewMemory()

	reports, err := NewAuditor(chain, WithPublisher(pub)).Audit(context.Background(), accounts, chain.asset)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(reports) != 2 || reports[0].Index != 0 || reports[1].Index != 2 {
		t.Fatalf("unexpected reports %+v", reports)
	}
	if reports[1].NativeBalance.Int64() != 42 || reports[1].AssetBalance.Int64() != 7 {
		t.Fatalf("unexpected balances %+v", reports[1])
	}

	var readFailures int
	for _, ev := range pub.Events() {
		if ev.Kind == events.KindReadFailed {
			readFailures++
		}
	}
	if readFailures != 1 {
		t.Fatalf("expected 1 read failure event, got %d", readFailures)
	}
}

func TestAuditStopsOnCancellation(t *testing.T) {
	chain := newFakeChain()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	limiter := rate.NewLimiter(rate.Limit(1), 1)
	reports, err := NewAuditor(chain, WithRateLimiter(limiter)).Audit(ctx, testAccounts(t, 2), chain.asset)
	if xerrors.CodeOf(err) != CodeAuditFailed {
		t.Fatalf("expected audit failure, got %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("expected no reports, got %d", len(reports))
	}
}
