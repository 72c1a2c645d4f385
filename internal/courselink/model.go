package courselink

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Import is a course link received from another participant and the local
// course that represents it.
type Import struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	BrokerID   int64     `gorm:"column:broker_id;not null;uniqueIndex:idx_courselink_resource,priority:1"`
	ResourceID int64     `gorm:"column:resource_id;not null;uniqueIndex:idx_courselink_resource,priority:2"`
	CourseID   int64     `gorm:"column:course_id;not null;uniqueIndex"`
	SenderMID  int64     `gorm:"column:sender_mid;not null"`
	URL        string    `gorm:"column:url;size:512;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Import) TableName() string {
	return "courselink_imports"
}

// Models lists the tables of the package for schema migration.
func Models() []any {
	return []any{&Import{}}
}

var errMissingLinkFields = errors.New("courselink: title and url are required")

// Link is a decoded campusconnect/courselinks resource.
type Link struct {
	URL       string
	Title     string
	Number    string
	ID        string
	Abstract  string
	Lecturers string
}

type wireLink struct {
	URL       string          `json:"url"`
	Title     string          `json:"title"`
	Number    json.RawMessage `json:"number"`
	ID        json.RawMessage `json:"id"`
	Abstract  string          `json:"abstract"`
	Lecturers json.RawMessage `json:"lecturers"`
}

// decodeLink validates a course link body.
func decodeLink(raw []byte) (Link, error) {
	var wire wireLink
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Link{}, err
	}
	link := Link{
		URL:       strings.TrimSpace(wire.URL),
		Title:     strings.TrimSpace(wire.Title),
		Number:    scalar(wire.Number),
		ID:        scalar(wire.ID),
		Abstract:  strings.TrimSpace(wire.Abstract),
		Lecturers: lecturers(wire.Lecturers),
	}
	if link.URL == "" || link.Title == "" {
		return Link{}, errMissingLinkFields
	}
	return link, nil
}

func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		return number.String()
	}
	return ""
}

// lecturers accepts a plain string, a list of names or a list of
// {firstName, lastName} objects.
func lecturers(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if text := scalar(raw); text != "" {
		return text
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if name := scalar(item); name != "" {
			names = append(names, name)
			continue
		}
		var person struct {
			FirstName string `json:"firstName"`
			LastName  string `json:"lastName"`
		}
		if err := json.Unmarshal(item, &person); err == nil {
			if name := strings.TrimSpace(person.FirstName + " " + person.LastName); name != "" {
				names = append(names, name)
			}
		}
	}
	return strings.Join(names, ", ")
}
