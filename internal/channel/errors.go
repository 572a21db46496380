package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Failure categories.
const (
	CategoryNetwork = "network_error"
	CategoryServer  = "server_error"
	CategoryParse   = "parse_error"
)

// CloseUnauthorized is the application close code that must not be retried.
const CloseUnauthorized = 4001

// ConnError is a classified connection failure.
type ConnError struct {
	Category    string `json:"category"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Code        int    `json:"code,omitempty"`
}

func (e *ConnError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (%d)", e.Category, e.Message, e.Code)
	}
	return e.Category + ": " + e.Message
}

// Classify maps a dial or read error to a ConnError. Application close codes
// 4000-4999 are server rejections, recoverable unless 4001.
func Classify(err error) *ConnError {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case ce.Code >= 4000 && ce.Code < 5000:
			return &ConnError{
				Category:    CategoryServer,
				Message:     fmt.Sprintf("server rejected connection (%d)", ce.Code),
				Recoverable: ce.Code != CloseUnauthorized,
				Code:        ce.Code,
			}
		case ce.Code == websocket.CloseAbnormalClosure || ce.Code == websocket.CloseGoingAway:
			return &ConnError{Category: CategoryNetwork, Message: "connection lost unexpectedly", Recoverable: true, Code: ce.Code}
		default:
			return &ConnError{Category: CategoryNetwork, Message: "connection closed", Recoverable: true, Code: ce.Code}
		}
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &ConnError{Category: CategoryNetwork, Message: msg, Recoverable: true}
}

// Quality is a coarse latency band.
type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
)

// QualityFor buckets a latency sample. ok is false when there is no sample.
func QualityFor(latency time.Duration, ok bool) Quality {
	switch {
	case !ok:
		return QualityUnknown
	case latency < 80*time.Millisecond:
		return QualityExcellent
	case latency < 200*time.Millisecond:
		return QualityGood
	}
	return QualityPoor
}
