package services

import "github.com/hivecore/hive/kernel/utils"

func newTransactionID() string {
	return utils.GenerateID()
}

// Status is the outcome of a service call, wire-encoded as a decimal.
type Status int

const (
	Ok             Status = 0
	ParameterError Status = 10
	InternalError  Status = 20
	Gone           Status = 30
	Busy           Status = 40
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "Ok"
	case ParameterError:
		return "ParameterError"
	case InternalError:
		return "InternalError"
	case Gone:
		return "Gone"
	case Busy:
		return "Busy"
	default:
		return "Unknown"
	}
}

// ServiceResponse is the result of one service call attempt.
type ServiceResponse struct {
	TransactionID      string
	Status             Status
	StatusMessage      string
	Results            map[string]string
	ResolutionAttempts int
}
