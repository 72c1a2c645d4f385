package membership

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/campussync/internal/users"
)

// flexString accepts values sent either as JSON strings or numbers.
type flexString string

func (f *flexString) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(text))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("membership: expected string or number, got %s", trimmed)
	}
	*f = flexString(number.String())
	return nil
}

type wireMembership struct {
	LectureID flexString   `json:"lectureID"`
	Members   []wireMember `json:"members"`
}

type wireMember struct {
	PersonID     flexString  `json:"personID"`
	PersonIDType string      `json:"personIDtype"`
	Role         flexString  `json:"role"`
	Groups       []wireGroup `json:"groups"`
}

type wireGroup struct {
	Num  flexString `json:"num"`
	Role flexString `json:"role"`
}

// decodeMembership converts the wire form. Members without a person id are
// dropped; the first occurrence of a person wins.
func decodeMembership(raw []byte) (Membership, error) {
	var wire wireMembership
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Membership{}, err
	}
	membership := Membership{CMSCourseID: string(wire.LectureID)}
	if membership.CMSCourseID == "" {
		return Membership{}, fmt.Errorf("membership: resource has no lectureID")
	}
	seen := make(map[string]struct{}, len(wire.Members))
	for _, member := range wire.Members {
		personID := strings.TrimSpace(string(member.PersonID))
		if personID == "" {
			continue
		}
		decoded := Member{
			PersonID:     personID,
			PersonIDType: string(users.ParsePersonIDType(member.PersonIDType)),
			Role:         string(member.Role),
			Groups:       make(map[int]string, len(member.Groups)),
		}
		for _, group := range member.Groups {
			num, err := strconv.Atoi(string(group.Num))
			if err != nil {
				return Membership{}, fmt.Errorf("membership: invalid group number %q", group.Num)
			}
			if _, duplicate := decoded.Groups[num]; !duplicate {
				decoded.Groups[num] = string(group.Role)
			}
		}
		key := decoded.key(membership.CMSCourseID)
		if _, duplicate := seen[key]; duplicate {
			continue
		}
		seen[key] = struct{}{}
		membership.Members = append(membership.Members, decoded)
	}
	return membership, nil
}
