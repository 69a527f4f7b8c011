package jobs

import "fmt"

// CashbackJob requests an on-demand affiliate sync outside the scheduled
// interval, optionally scoped to one network.
type CashbackJob struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Network      string `json:"network,omitempty"`
	AttemptCount int    `json:"attempts"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

func (j CashbackJob) Attempts() int { return j.AttemptCount }

func (j CashbackJob) WithAttempts(n int) CashbackJob {
	j.AttemptCount = n
	return j
}

func ValidateCashback(j CashbackJob) error {
	if j.Type != "sync" {
		return fmt.Errorf("cashback job %s: unknown type %q", j.ID, j.Type)
	}
	return nil
}
