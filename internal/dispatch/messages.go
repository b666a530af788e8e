package dispatch

import (
	"fmt"
	"math"
)

// Message is the push payload for interim and terminal updates.
type Message struct {
	Message string `json:"message"`
}

type ErrorMessage struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Ack confirms an accepted submission.
type Ack struct {
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

var (
	ArrivedMessage  = Message{Message: "Arrived"}
	NoWorkerMessage = Message{Message: "No rider found"}
)

// DistanceMessage reports the remaining distance rounded to whole meters.
func DistanceMessage(meters float64) Message {
	return Message{Message: fmt.Sprintf("Distance: %d m", int64(math.Round(meters)))}
}

func NewErrorMessage(err error) ErrorMessage {
	return ErrorMessage{Status: "error", Error: err.Error()}
}

func NewAck(requestID string) Ack {
	return Ack{Message: "Request received", RequestID: requestID}
}
