package ecs

import (
	"fmt"
	"strconv"
	"strings"
)

// ResourceType enumerates the broker resources the service understands.
type ResourceType string

const (
	ResourceCourseLinks    ResourceType = "campusconnect/courselinks"
	ResourceDirectoryTrees ResourceType = "campusconnect/directory_trees"
	ResourceCourses        ResourceType = "campusconnect/courses"
	ResourceCourseMembers  ResourceType = "campusconnect/course_members"
	ResourceCourseURLs     ResourceType = "campusconnect/course_urls"
	ResourceEnrolment      ResourceType = "campusconnect/enrolment"
)

// ResourceTypes lists every known resource type. Dispatch tables are checked
// against it at startup.
func ResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceCourseLinks,
		ResourceDirectoryTrees,
		ResourceCourses,
		ResourceCourseMembers,
		ResourceCourseURLs,
		ResourceEnrolment,
	}
}

// ParseResourceType validates a raw resource type string.
func ParseResourceType(raw string) (ResourceType, error) {
	candidate := ResourceType(strings.Trim(strings.TrimSpace(raw), "/"))
	for _, known := range ResourceTypes() {
		if candidate == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownResourceType, raw)
}

// EventStatus is the operation an event reports for a resource.
type EventStatus string

const (
	StatusCreated   EventStatus = "created"
	StatusUpdated   EventStatus = "updated"
	StatusDestroyed EventStatus = "destroyed"
)

// ParseEventStatus validates an event status string.
func ParseEventStatus(raw string) (EventStatus, error) {
	switch EventStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusCreated:
		return StatusCreated, nil
	case StatusUpdated:
		return StatusUpdated, nil
	case StatusDestroyed, "deleted":
		return StatusDestroyed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventStatus, raw)
	}
}

// Event is one entry of the broker's event FIFO.
type Event struct {
	ResourceType string
	ResourceID   int64
	Status       EventStatus
}

type wireEvent struct {
	Resource string `json:"ressource"`
	Status   string `json:"status"`
}

func (w wireEvent) decode() (Event, error) {
	path := strings.Trim(strings.TrimSpace(w.Resource), "/")
	separator := strings.LastIndex(path, "/")
	if separator <= 0 {
		return Event{}, fmt.Errorf("%w: resource path %q", ErrMalformedEvent, w.Resource)
	}
	resourceID, err := strconv.ParseInt(path[separator+1:], 10, 64)
	if err != nil || resourceID <= 0 {
		return Event{}, fmt.Errorf("%w: resource id in %q", ErrMalformedEvent, w.Resource)
	}
	status, err := ParseEventStatus(w.Status)
	if err != nil {
		return Event{}, err
	}
	return Event{ResourceType: path[:separator], ResourceID: resourceID, Status: status}, nil
}

// MalformedEvent is a FIFO entry that could not be decoded.
type MalformedEvent struct {
	Resource string
	Status   string
	Err      error
}

// FIFOBatch is what one FIFO read returned. Malformed entries still occupy the
// head of the FIFO and must be popped like decoded ones.
type FIFOBatch struct {
	Events    []Event
	Malformed []MalformedEvent
}

// Len counts every entry the broker returned, decodable or not.
func (b FIFOBatch) Len() int {
	return len(b.Events) + len(b.Malformed)
}

// Resource carries the transport metadata that accompanies a fetched body.
type Resource struct {
	ID                  int64
	Type                ResourceType
	SenderMIDs          []int64
	ReceiverCommunities []string
}

// SentBy reports whether the resource was sent by the given participant.
func (r Resource) SentBy(mid int64) bool {
	for _, sender := range r.SenderMIDs {
		if sender == mid {
			return true
		}
	}
	return false
}

// Details mirrors the broker's /details sub-resource.
type Details struct {
	Receivers   []DetailsMember `json:"receivers"`
	Senders     []DetailsMember `json:"senders"`
	Owner       DetailsMember   `json:"owner"`
	ContentType string          `json:"content_type"`
	URL         string          `json:"url"`
}

// DetailsMember is a participant reference inside Details.
type DetailsMember struct {
	MID    int64 `json:"mid"`
	CID    int64 `json:"cid"`
	ItsYou bool  `json:"itsyou"`
}

// SenderMID returns the first sender participant id, or 0.
func (d Details) SenderMID() int64 {
	if len(d.Senders) == 0 {
		return 0
	}
	return d.Senders[0].MID
}

// Community is one entry of /sys/memberships.
type Community struct {
	Community struct {
		CID         int64  `json:"cid"`
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"community"`
	Participants []Participant `json:"participants"`
}

// Participant is a registered broker endpoint.
type Participant struct {
	MID         int64  `json:"mid"`
	PID         int64  `json:"pid"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Email       string `json:"email"`
	ItsYou      bool   `json:"itsyou"`
	Org         struct {
		Name string `json:"name"`
		Abbr string `json:"abbr"`
	} `json:"org"`
}

// AuthRequest asks the broker to issue a one-time token for a target URL.
type AuthRequest struct {
	URL   string `json:"url"`
	Realm string `json:"realm,omitempty"`
}

// Auth is an issued broker auth token.
type Auth struct {
	Hash  string `json:"hash"`
	URL   string `json:"url"`
	Realm string `json:"realm"`
	PID   int64  `json:"pid"`
	SOV   string `json:"sov"`
	EOV   string `json:"eov"`
}
