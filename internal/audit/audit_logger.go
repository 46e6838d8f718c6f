package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"`
	TransferID string    `json:"transfer_id"`
	AccountID  string    `json:"account_id"`
	Amount     int64     `json:"amount"`
	Status     string    `json:"status"`
	Details    any       `json:"details"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogSettlement(transferID, kind, fromAccount, toAccount string, amount int64, status string) {
	event := Event{
		Timestamp:  time.Now(),
		EventType:  kind,
		TransferID: transferID,
		Amount:     amount,
		Status:     status,
		Details: map[string]string{
			"from_account": fromAccount,
			"to_account":   toAccount,
		},
	}
	a.log(event)
}

func (a *Logger) LogError(transferID, accountID string, err error) {
	event := Event{
		Timestamp:  time.Now(),
		EventType:  "ERROR",
		TransferID: transferID,
		AccountID:  accountID,
		Status:     "FAILED",
		Details:    map[string]string{"error": err.Error()},
	}
	a.log(event)
}

// LogIntegrityFault records a cached-balance/ledger mismatch for operator
// review. The balance is never auto-corrected.
func (a *Logger) LogIntegrityFault(accountID, pool string, cached, derived int64) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "INTEGRITY_FAULT",
		AccountID: accountID,
		Status:    "FAULT",
		Details: map[string]int64{
			"cached":  cached,
			"derived": derived,
		},
	}
	a.log(event)
}

func (a *Logger) LogOperation(transferID, accountID, operation, details string) {
	event := Event{
		Timestamp:  time.Now(),
		EventType:  operation,
		TransferID: transferID,
		AccountID:  accountID,
		Status:     "SUCCESS",
		Details:    map[string]string{"details": details},
	}
	a.log(event)
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
