package services

import (
	"strconv"

	"github.com/hivecore/hive/kernel/network"
)

const (
	msgRegisterRemoteService = "register-remote-service"
	msgServiceRequest        = "service-request"
	msgServiceResponse       = "service-response"
)

const (
	attrServiceName   = "service-name"
	attrServiceID     = "service-id"
	attrCapacity      = "capacity"
	attrTransactionID = "transaction-id"
	attrService       = "service"
	attrStatus        = "status"
	attrStatusMessage = "status-message"
)

// reservedResponseAttrs are the service-response attributes that carry
// protocol fields rather than user results.
var reservedResponseAttrs = map[string]bool{
	attrTransactionID: true,
	attrStatus:        true,
	attrStatusMessage: true,
}

func responseToMessage(resp *ServiceResponse) *network.Message {
	msg := network.NewMessage(msgServiceResponse)
	msg.SetAttribute(attrTransactionID, resp.TransactionID)
	msg.SetAttribute(attrStatus, strconv.Itoa(int(resp.Status)))
	msg.SetAttribute(attrStatusMessage, resp.StatusMessage)
	for k, v := range resp.Results {
		msg.SetAttribute(k, v)
	}
	return msg
}

func messageToResponse(msg *network.Message) *ServiceResponse {
	transactionID, _ := msg.Attribute(attrTransactionID)
	statusMessage, _ := msg.Attribute(attrStatusMessage)
	statusRaw, _ := msg.Attribute(attrStatus)
	status, _ := strconv.Atoi(statusRaw)

	results := make(map[string]string)
	for _, name := range msg.AttributeNames() {
		if reservedResponseAttrs[name] {
			continue
		}
		v, _ := msg.Attribute(name)
		results[name] = v
	}

	return &ServiceResponse{
		TransactionID: transactionID,
		Status:        Status(status),
		StatusMessage: statusMessage,
		Results:       results,
	}
}

// reservedRequestAttrs are the service-request attributes that carry
// protocol fields rather than user parameters.
var reservedRequestAttrs = map[string]bool{
	attrTransactionID: true,
	attrService:       true,
}

func messageToRequest(msg *network.Message) *ServiceRequest {
	serviceName, _ := msg.Attribute(attrService)
	transactionID, _ := msg.Attribute(attrTransactionID)

	params := make(map[string]string)
	for _, name := range msg.AttributeNames() {
		if reservedRequestAttrs[name] {
			continue
		}
		v, _ := msg.Attribute(name)
		params[name] = v
	}

	return &ServiceRequest{serviceName: serviceName, transactionID: transactionID, parameters: params}
}
