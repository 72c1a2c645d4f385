package course

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Remote is a decoded campusconnect/courses resource.
type Remote struct {
	CMSCourseID string
	Title       string
	Scenario    Scenario
	Groups      []Group
	Allocations []Allocation
	// Values holds every scalar top-level attribute as text for the
	// metadata templates, plus "lecturers".
	Values map[string]string
}

// Group is one remote parallel group. Num is its position in the resource.
type Group struct {
	Num       int
	Title     string
	Comment   string
	Lecturers []string
}

// FirstLecturer returns the name of the first lecturer, or "".
func (g Group) FirstLecturer() string {
	if len(g.Lecturers) == 0 {
		return ""
	}
	return g.Lecturers[0]
}

// Allocation places the course below a remote directory.
type Allocation struct {
	DirectoryID int64
	Order       int
}

type wireLecturer struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (l wireLecturer) name() string {
	return strings.TrimSpace(strings.TrimSpace(l.FirstName) + " " + strings.TrimSpace(l.LastName))
}

type wireGroup struct {
	Title     string         `json:"title"`
	Comment   string         `json:"comment"`
	Lecturers []wireLecturer `json:"lecturers"`
}

type wireAllocation struct {
	ParentID json.RawMessage `json:"parentID"`
	Order    json.RawMessage `json:"order"`
}

type wireCourse struct {
	LectureID     json.RawMessage  `json:"lectureID"`
	Title         string           `json:"title"`
	GroupScenario json.RawMessage  `json:"groupScenario"`
	Groups        []wireGroup      `json:"groups"`
	Allocations   []wireAllocation `json:"allocations"`
	Lecturers     []wireLecturer   `json:"lecturers"`
}

// scalarText renders a JSON string or number as text.
func scalarText(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return "", false
		}
		return strings.TrimSpace(text), true
	case 't', 'f':
		return string(trimmed), true
	case '{', '[':
		return "", false
	default:
		var number json.Number
		if err := json.Unmarshal(trimmed, &number); err != nil {
			return "", false
		}
		return number.String(), true
	}
}

func intValue(raw json.RawMessage) (int64, bool, error) {
	text, ok := scalarText(raw)
	if !ok || text == "" {
		return 0, false, nil
	}
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("course: invalid numeric value %q", text)
	}
	return value, true, nil
}

// DecodeRemote parses a course resource. An unknown group scenario is kept as
// sent; ParallelGroups degrades it.
func DecodeRemote(raw []byte) (Remote, error) {
	var wire wireCourse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Remote{}, err
	}
	var attributes map[string]json.RawMessage
	if err := json.Unmarshal(raw, &attributes); err != nil {
		return Remote{}, err
	}

	cmsCourseID, _ := scalarText(wire.LectureID)
	if cmsCourseID == "" {
		return Remote{}, fmt.Errorf("course: resource has no lectureID")
	}
	remote := Remote{
		CMSCourseID: cmsCourseID,
		Title:       strings.TrimSpace(wire.Title),
		Values:      make(map[string]string, len(attributes)+1),
	}
	scenario, _, err := intValue(wire.GroupScenario)
	if err != nil {
		return Remote{}, err
	}
	remote.Scenario = Scenario(scenario)

	for index, group := range wire.Groups {
		decoded := Group{Num: index, Title: strings.TrimSpace(group.Title), Comment: strings.TrimSpace(group.Comment)}
		for _, lecturer := range group.Lecturers {
			if name := lecturer.name(); name != "" {
				decoded.Lecturers = append(decoded.Lecturers, name)
			}
		}
		remote.Groups = append(remote.Groups, decoded)
	}
	for _, allocation := range wire.Allocations {
		parentID, ok, err := intValue(allocation.ParentID)
		if err != nil {
			return Remote{}, err
		}
		if !ok || parentID == 0 {
			continue
		}
		order, _, err := intValue(allocation.Order)
		if err != nil {
			return Remote{}, err
		}
		remote.Allocations = append(remote.Allocations, Allocation{DirectoryID: parentID, Order: int(order)})
	}

	for key, value := range attributes {
		if text, ok := scalarText(value); ok {
			remote.Values[key] = text
		}
	}
	remote.Values["lectureID"] = cmsCourseID
	var lecturers []string
	for _, lecturer := range wire.Lecturers {
		if name := lecturer.name(); name != "" {
			lecturers = append(lecturers, name)
		}
	}
	if len(lecturers) == 0 {
		for _, group := range remote.Groups {
			lecturers = append(lecturers, group.Lecturers...)
		}
	}
	remote.Values["lecturers"] = strings.Join(uniqueStrings(lecturers), ", ")
	return remote, nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		unique = append(unique, value)
	}
	return unique
}
