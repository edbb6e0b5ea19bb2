package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/internal/events"
	"TokenSwarm/internal/observability/metrics"
	"TokenSwarm/internal/storage/mysql"
	"TokenSwarm/internal/wallet"
	"TokenSwarm/internal/web3"
	"TokenSwarm/pkg/logger"

	coretypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

// Option 定制阶段组件与 Driver。各组件只读取与自己相关的字段。
type Option func(*settings)

type settings struct {
	publisher      events.Publisher
	metrics        *metrics.Recorder
	confirmTimeout time.Duration
	limiter        *rate.Limiter
	history        mysql.RunRepository
	locker         Locker
	keys           wallet.KeySource
	now            func() time.Time
}

// WithPublisher 设置阶段事件的投递目标。
func WithPublisher(p events.Publisher) Option {
	return func(s *settings) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithMetrics 设置指标记录器。
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *settings) { s.metrics = m }
}

// WithConfirmTimeout 限制每次等待交易确认的时间，0 表示不限制。
func WithConfirmTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d >= 0 {
			s.confirmTimeout = d
		}
	}
}

// WithRateLimiter 为余额读取限速。
func WithRateLimiter(l *rate.Limiter) Option {
	return func(s *settings) { s.limiter = l }
}

// WithHistory 设置运行历史仓库。
func WithHistory(repo mysql.RunRepository) Option {
	return func(s *settings) { s.history = repo }
}

// WithLocker 设置资金账户锁。
func WithLocker(l Locker) Option {
	return func(s *settings) { s.locker = l }
}

// WithKeySource 替换子账户私钥来源。
func WithKeySource(src wallet.KeySource) Option {
	return func(s *settings) { s.keys = src }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		publisher:      events.Noop{},
		confirmTimeout: DefaultConfirmTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// observer 汇集阶段组件共用的事件、指标、审计日志与确认等待逻辑。
type observer struct {
	settings
	stage Stage
	log   *slog.Logger
}

func newObserver(stage Stage, opts []Option) observer {
	return observer{
		settings: newSettings(opts),
		stage:    stage,
		log:      logger.Named("workflow").With(slog.String("stage", string(stage))),
	}
}

func (o observer) emit(ctx context.Context, ev events.Event) {
	ev.RunID = RunIDFrom(ctx)
	if ev.Stage == "" {
		ev.Stage = string(o.stage)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = o.now().UTC()
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.log.Warn("事件投递失败", slog.String("kind", string(ev.Kind)), slog.Any("error", err))
	}
}

func (o observer) txEvent(ctx context.Context, kind events.Kind, acct *wallet.Account, hash string, err error) {
	ev := events.Event{Kind: kind, TxHash: hash}
	if acct != nil {
		ev.Index = events.AccountIndex(acct.Index)
		ev.Address = acct.Address.Hex()
	}
	if err != nil {
		ev.Code = string(xerrors.CodeOf(err))
		ev.Message = err.Error()
	}
	o.emit(ctx, ev)
}

// audit 将交易写入审计日志并计数。
func (o observer) audit(ctx context.Context, acct *wallet.Account, hash string, err error) {
	o.auditAs(ctx, outcomeOf(err), acct, hash, err)
}

// abandoned 记录已广播但不再等待确认的交易。这类交易仍可能上链，不计为失败，也不发送 tx_failed 事件。
func (o observer) abandoned(ctx context.Context, acct *wallet.Account, hash string) {
	o.auditAs(ctx, metrics.OutcomeAbandoned, acct, hash, nil)
}

func (o observer) auditAs(ctx context.Context, outcome string, acct *wallet.Account, hash string, err error) {
	o.metrics.ObserveTransaction(string(o.stage), outcome)

	attrs := []any{
		slog.String("run_id", RunIDFrom(ctx)),
		slog.String("stage", string(o.stage)),
		slog.String("outcome", outcome),
	}
	if acct != nil {
		attrs = append(attrs, slog.Any("account", *acct))
	}
	if hash != "" {
		attrs = append(attrs, slog.String("tx_hash", hash))
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.String("severity", string(xerrors.SeverityOf(err))),
			slog.Bool("retryable", xerrors.RetryableError(err)),
			slog.Any("error", err))
	}
	logger.Audit().Info("transaction", attrs...)
}

// confirm 等待交易确认。超时统一报告为 TIMEOUT，失败回执报告为 TX_REVERTED。
func (o observer) confirm(ctx context.Context, pending web3.PendingTx) (*coretypes.Receipt, error) {
	waitCtx := ctx
	if o.confirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, o.confirmTimeout)
		defer cancel()
	}

	receipt, err := pending.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && xerrors.CodeOf(err) != xerrors.CodeTimeout {
			return receipt, xerrors.Wrap(xerrors.CodeTimeout, err,
				fmt.Sprintf("等待交易 %s 确认超时", pending.Hash().Hex()),
				xerrors.WithMetadata("tx_hash", pending.Hash().Hex()))
		}
		return receipt, err
	}
	if receipt == nil {
		return nil, xerrors.New(xerrors.CodeChainFailure, fmt.Sprintf("交易 %s 没有回执", pending.Hash().Hex()))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return receipt, xerrors.New(xerrors.CodeTxReverted,
			fmt.Sprintf("交易 %s 执行失败", pending.Hash().Hex()),
			xerrors.WithMetadata("tx_hash", pending.Hash().Hex()))
	}
	return receipt, nil
}

var (
	errTimeoutCode  = xerrors.New(xerrors.CodeTimeout, "")
	errRevertedCode = xerrors.New(xerrors.CodeTxReverted, "")
)

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeConfirmed
	case errors.Is(err, errTimeoutCode):
		return metrics.OutcomeTimeout
	case errors.Is(err, errRevertedCode):
		return metrics.OutcomeReverted
	default:
		return metrics.OutcomeFailed
	}
}

func blockNumberOf(receipt *coretypes.Receipt) uint64 {
	if receipt == nil || receipt.BlockNumber == nil {
		return 0
	}
	return receipt.BlockNumber.Uint64()
}
