package server

import "github.com/oszuidwest/zwfm-systemtap/internal/eventlog"

// EventsRequest is the payload of an events/list command.
type EventsRequest struct {
	Limit  int    `json:"limit" validate:"gte=0,lte=500"`
	Offset int    `json:"offset" validate:"gte=0"`
	Filter string `json:"filter" validate:"omitempty,oneof=session capture upload"`
}

// EventsResponse is a page of event log entries, newest first.
type EventsResponse struct {
	Events  []eventlog.Event `json:"events"`
	HasMore bool             `json:"has_more"`
}
