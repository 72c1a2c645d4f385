package course

// ParallelGroups expands the remote groups into outer courses, each holding the
// groups it carries. An unknown scenario degrades to none; the returned
// scenario is the one applied. There is always at least one outer course.
func ParallelGroups(scenario Scenario, groups []Group) ([][]Group, Scenario) {
	if !scenario.known() {
		scenario = ScenarioNone
	}
	if len(groups) == 0 {
		return [][]Group{{}}, scenario
	}
	switch scenario {
	case ScenarioSeparateCourses:
		courses := make([][]Group, 0, len(groups))
		for _, group := range groups {
			courses = append(courses, []Group{group})
		}
		return courses, scenario
	case ScenarioSeparateLecturers:
		// Buckets are keyed by lecturer name, so two lecturers sharing a name
		// share a course.
		var (
			order   []string
			buckets = make(map[string][]Group)
		)
		for _, group := range groups {
			key := group.FirstLecturer()
			if key == "" {
				key = "0"
			}
			if _, ok := buckets[key]; !ok {
				order = append(order, key)
			}
			buckets[key] = append(buckets[key], group)
		}
		courses := make([][]Group, 0, len(order))
		for _, key := range order {
			courses = append(courses, buckets[key])
		}
		return courses, scenario
	default:
		all := make([]Group, len(groups))
		copy(all, groups)
		return [][]Group{all}, scenario
	}
}

// createsLocalGroups reports whether an outer course gets one local group per
// parallel group: any scenario but none, once it carries more than one group.
func createsLocalGroups(scenario Scenario, count int) bool {
	return scenario != ScenarioNone && count > 1
}

// groupMatch is the result of matching outer courses to existing courses.
type groupMatch struct {
	// Matched maps an outer course index to the real course id it keeps.
	Matched map[int]int64
	// NotMatched lists outer course indexes that need a new course.
	NotMatched []int
	// Orphaned lists existing real course ids no outer course claimed.
	Orphaned []int64
}

// matchParallelGroupsToCourses assigns existing real courses to outer courses.
// Each outer course first looks for a stored parallel group with one of its
// group numbers; a course claimed once cannot be claimed again. Outer courses
// still unmatched then take the remaining real courses in creation order.
func matchParallelGroupsToCourses(courses [][]Group, stored []ParallelGroupRecord, realCourses []int64) groupMatch {
	byNum := make(map[int]int64, len(stored))
	for _, record := range stored {
		byNum[record.GroupNum] = record.CourseID
	}
	known := make(map[int64]struct{}, len(realCourses))
	for _, courseID := range realCourses {
		known[courseID] = struct{}{}
	}

	match := groupMatch{Matched: make(map[int]int64)}
	claimed := make(map[int64]struct{})
	var pending []int
	for index, groups := range courses {
		found := false
		for _, group := range groups {
			courseID, ok := byNum[group.Num]
			if !ok {
				continue
			}
			if _, exists := known[courseID]; !exists {
				continue
			}
			if _, taken := claimed[courseID]; taken {
				continue
			}
			claimed[courseID] = struct{}{}
			match.Matched[index] = courseID
			found = true
			break
		}
		if !found {
			pending = append(pending, index)
		}
	}

	free := make([]int64, 0, len(realCourses))
	for _, courseID := range realCourses {
		if _, taken := claimed[courseID]; !taken {
			free = append(free, courseID)
		}
	}
	for _, index := range pending {
		if len(free) == 0 {
			match.NotMatched = append(match.NotMatched, index)
			continue
		}
		match.Matched[index] = free[0]
		free = free[1:]
	}
	match.Orphaned = free
	return match
}
