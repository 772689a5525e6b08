package ledger

// Option configures an Engine, Grantor, Shop or Reconciler.
type Option func(*settings)

type settings struct {
	logger          OperationLogger
	maxAttempts     int
	grantAttempts   int
	reconcileBatch  int
	reconcileMinAge int64
}

func newSettings(options []Option) settings {
	configured := settings{
		maxAttempts:     defaultMaxAttempts,
		grantAttempts:   defaultGrantAttempts,
		reconcileBatch:  defaultReconcileBatch,
		reconcileMinAge: defaultReconcileMinAge,
	}
	for _, option := range options {
		if option != nil {
			option(&configured)
		}
	}
	return configured
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) Option {
	return func(configured *settings) {
		configured.logger = logger
	}
}

// WithMaxAttempts bounds the optimistic read-compute-update loop. Values below one are ignored.
func WithMaxAttempts(attempts int) Option {
	return func(configured *settings) {
		if attempts > 0 {
			configured.maxAttempts = attempts
		}
	}
}

// WithGrantAttempts bounds the in-line entitlement grant retries after a committed debit.
func WithGrantAttempts(attempts int) Option {
	return func(configured *settings) {
		if attempts > 0 {
			configured.grantAttempts = attempts
		}
	}
}

// WithReconcileBatch limits how many pending intents one sweep resumes.
func WithReconcileBatch(limit int) Option {
	return func(configured *settings) {
		if limit > 0 {
			configured.reconcileBatch = limit
		}
	}
}

// WithReconcileMinAge skips intents updated less than seconds ago, leaving them to the request that owns them.
func WithReconcileMinAge(seconds int64) Option {
	return func(configured *settings) {
		if seconds >= 0 {
			configured.reconcileMinAge = seconds
		}
	}
}
