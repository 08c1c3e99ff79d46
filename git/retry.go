package git

import "time"

// retryBackoffBase/Cap/Budget implement spec.md §5's retry policy for
// transient git push/fetch failures: exponential backoff, base 1s, cap 5
// minutes, total budget 1 hour.
const (
	retryBackoffBase   = 1 * time.Second
	retryBackoffCap    = 5 * time.Minute
	retryBackoffBudget = 1 * time.Hour
)

// retryWithBackoff retries op until it succeeds or the total retry budget
// is exhausted, at which point it returns op's last error.
func retryWithBackoff(op func() error) error {
	backoff := retryBackoffBase
	deadline := time.Now().Add(retryBackoffBudget)
	var err error
	for {
		if err = op(); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > retryBackoffCap {
			backoff = retryBackoffCap
		}
	}
}
