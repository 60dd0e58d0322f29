// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package primitive

import "strconv"

// Operation is the oneM2M operation of a request primitive.
type Operation int

const (
	Create   Operation = 1
	Retrieve Operation = 2
	Update   Operation = 3
	Delete   Operation = 4
	Notify   Operation = 5
)

func (o Operation) String() string {
	switch o {
	case Create:
		return "create"
	case Retrieve:
		return "retrieve"
	case Update:
		return "update"
	case Delete:
		return "delete"
	case Notify:
		return "notify"
	default:
		return "unknown"
	}
}

// Valid reports whether o is a defined operation.
func (o Operation) Valid() bool {
	return o >= Create && o <= Notify
}

// ResourceType is the numeric oneM2M resource type (ty).
type ResourceType int

const (
	TypeAccessControlPolicy ResourceType = 1
	TypeAE                  ResourceType = 2
	TypeContainer           ResourceType = 3
	TypeContentInstance     ResourceType = 4
	TypeCSEBase             ResourceType = 5
	TypeGroup               ResourceType = 9
	TypePollingChannel      ResourceType = 15
	TypeRemoteCSE           ResourceType = 16
	TypeSubscription        ResourceType = 23
	TypeFlexContainer       ResourceType = 28
	TypeTimeSeries          ResourceType = 29
)

// StatusCode is the oneM2M response status code (rsc).
type StatusCode int

const (
	StatusAccepted                          StatusCode = 1000
	StatusOK                                StatusCode = 2000
	StatusCreated                           StatusCode = 2001
	StatusDeleted                           StatusCode = 2002
	StatusUpdated                           StatusCode = 2004
	StatusBadRequest                        StatusCode = 4000
	StatusReleaseVersionNotSupported        StatusCode = 4001
	StatusNotFound                          StatusCode = 4004
	StatusOperationNotAllowed               StatusCode = 4005
	StatusRequestTimeout                    StatusCode = 4008
	StatusSubscriptionCreatorHasNoPrivilege StatusCode = 4101
	StatusContentsUnacceptable              StatusCode = 4102
	StatusOriginatorHasNoPrivilege          StatusCode = 4103
	StatusConflict                          StatusCode = 4105
	StatusSecurityAssociationRequired       StatusCode = 4107
	StatusInvalidChildResourceType          StatusCode = 4108
	StatusInternalServerError               StatusCode = 5000
	StatusNotImplemented                    StatusCode = 5001
	StatusTargetNotReachable                StatusCode = 5103
	StatusReceiverHasNoPrivilege            StatusCode = 5105
	StatusAlreadyExists                     StatusCode = 5106
	StatusTargetNotSubscribable             StatusCode = 5203
	StatusSubscriptionVerificationFailed    StatusCode = 5204
)

// IsFailure reports whether the status denotes a failed request.
func (s StatusCode) IsFailure() bool {
	return s >= StatusBadRequest
}

func (s StatusCode) String() string {
	return strconv.Itoa(int(s))
}

// ResultContent selects what a response carries (rcn).
type ResultContent int

const (
	ResultNothing                       ResultContent = 0
	ResultAttributes                    ResultContent = 1
	ResultHierarchicalAddress           ResultContent = 2
	ResultHierarchicalAddressAttributes ResultContent = 3
	ResultAttributesChildResources      ResultContent = 4
	ResultAttributesChildReferences     ResultContent = 5
	ResultChildReferences               ResultContent = 6
	ResultOriginalResource              ResultContent = 7
	ResultChildResources                ResultContent = 8
)

// DiscoveryResultType selects the address form of discovery results (drt).
type DiscoveryResultType int

const (
	DiscoveryStructured   DiscoveryResultType = 1
	DiscoveryUnstructured DiscoveryResultType = 2
)

// FilterUsage selects how filter criteria are applied (fu).
type FilterUsage int

const (
	FilterDiscovery            FilterUsage = 1
	FilterConditionalRetrieval FilterUsage = 2
	FilterIPEOnDemandDiscovery FilterUsage = 3
)

// FilterOperation combines filter conditions (fo).
type FilterOperation int

const (
	FilterAnd FilterOperation = 1
	FilterOr  FilterOperation = 2
	FilterXor FilterOperation = 3
)

// ResponseTypeValue is the requested response mode (rt).
type ResponseTypeValue int

const (
	ResponseNonBlockingSync  ResponseTypeValue = 1
	ResponseNonBlockingAsync ResponseTypeValue = 2
	ResponseBlocking         ResponseTypeValue = 3
	ResponseFlexBlocking     ResponseTypeValue = 4
	ResponseNoResponse       ResponseTypeValue = 5
)

// ResponseType asks for a synchronous or a notify-me-later response.
type ResponseType struct {
	Type             ResponseTypeValue
	NotificationURIs []string
}

// NotificationEventType is the event that triggered a notification (net).
type NotificationEventType int

const (
	EventUpdate          NotificationEventType = 1
	EventDelete          NotificationEventType = 2
	EventCreateChild     NotificationEventType = 3
	EventDeleteChild     NotificationEventType = 4
	EventRetrieveChild   NotificationEventType = 5
	EventTriggerReceived NotificationEventType = 6
	EventBlockingUpdate  NotificationEventType = 7
	EventMissingData     NotificationEventType = 8
)

// NotificationContentType selects the notification payload (nct).
type NotificationContentType int

const (
	ContentAllAttributes      NotificationContentType = 1
	ContentModifiedAttributes NotificationContentType = 2
	ContentResourceID         NotificationContentType = 3
	ContentTriggerPayload     NotificationContentType = 4
)

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
