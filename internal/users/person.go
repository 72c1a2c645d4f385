package users

import "strings"

// PersonIDType names the attribute a remote person identifier refers to.
type PersonIDType string

const (
	PersonLogin              PersonIDType = "ecs_login"
	PersonLoginUID           PersonIDType = "ecs_loginUID"
	PersonUID                PersonIDType = "ecs_uid"
	PersonEmail              PersonIDType = "ecs_email"
	PersonEPPN               PersonIDType = "ecs_ePPN"
	PersonPersonalUniqueCode PersonIDType = "ecs_PersonalUniqueCode"
	PersonCustom             PersonIDType = "ecs_custom"
)

// DefaultPersonIDType applies when a membership omits personIDtype.
const DefaultPersonIDType = PersonUID

// ParsePersonIDType normalizes the remote spelling; empty input yields the default.
func ParsePersonIDType(raw string) PersonIDType {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultPersonIDType
	}
	for _, known := range []PersonIDType{PersonLogin, PersonLoginUID, PersonUID, PersonEmail, PersonEPPN, PersonPersonalUniqueCode, PersonCustom} {
		if strings.EqualFold(trimmed, string(known)) {
			return known
		}
	}
	return PersonIDType(trimmed)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
