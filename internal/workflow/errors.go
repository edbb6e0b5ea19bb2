package workflow

import xerrors "TokenSwarm/internal/errors"

// 工作流阶段错误码。
const (
	CodeDeploymentFailed xerrors.Code = "DEPLOYMENT_FAILED"
	CodePurchaseFailed   xerrors.Code = "PURCHASE_FAILED"
	CodeFundingFailed    xerrors.Code = "FUNDING_FAILED"
	CodeAuditFailed      xerrors.Code = "AUDIT_FAILED"
)

func init() {
	xerrors.Register(CodeDeploymentFailed, xerrors.Attributes{
		Message:  "asset deployment failed",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
	})
	xerrors.Register(CodePurchaseFailed, xerrors.Attributes{
		Message:  "purchase join failed",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
	})
	xerrors.Register(CodeFundingFailed, xerrors.Attributes{
		Message:  "funding transfer failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAuditFailed, xerrors.Attributes{
		Message:  "balance read failed",
		Severity: xerrors.SeverityInfo,
	})
}
