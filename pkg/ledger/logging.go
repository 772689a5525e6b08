package ledger

import "context"

// OperationLogger records domain-level events emitted by ledger operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	AccountID AccountID
	Amount    Amount
	Balance   Balance
	ItemID    ItemID
	PackageID PackageID
	AttemptID AttemptID
	State     string
	Attempts  int
	Status    string
	Error     error
}

type operationLogSink struct {
	logger OperationLogger
}

func (sink operationLogSink) log(ctx context.Context, entry OperationLog) {
	if sink.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	sink.logger.LogOperation(ctx, entry)
}
