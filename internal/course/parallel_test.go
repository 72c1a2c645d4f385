package course

import "testing"

func groupsWithLecturers(lecturers ...string) []Group {
	groups := make([]Group, 0, len(lecturers))
	for index, lecturer := range lecturers {
		group := Group{Num: index, Title: "Group"}
		if lecturer != "" {
			group.Lecturers = []string{lecturer}
		}
		groups = append(groups, group)
	}
	return groups
}

func TestParallelGroupsSeparateCoursesYieldsSingletons(t *testing.T) {
	groups := groupsWithLecturers("a", "b", "c", "d")
	courses, scenario := ParallelGroups(ScenarioSeparateCourses, groups)
	if scenario != ScenarioSeparateCourses {
		t.Fatalf("unexpected scenario %s", scenario)
	}
	if len(courses) != len(groups) {
		t.Fatalf("expected %d outer courses, got %d", len(groups), len(courses))
	}
	for index, course := range courses {
		if len(course) != 1 || course[0].Num != index {
			t.Fatalf("outer course %d should hold group %d only, got %+v", index, index, course)
		}
	}
}

func TestParallelGroupsSingleCourseScenarios(t *testing.T) {
	groups := groupsWithLecturers("a", "b", "c")
	for _, scenario := range []Scenario{ScenarioNone, ScenarioOneCourseManyGroups, ScenarioSeparateGroupsSingleCourse} {
		courses, applied := ParallelGroups(scenario, groups)
		if applied != scenario {
			t.Fatalf("scenario %s changed to %s", scenario, applied)
		}
		if len(courses) != 1 || len(courses[0]) != len(groups) {
			t.Fatalf("scenario %s: expected one outer course with all groups, got %+v", scenario, courses)
		}
	}
}

func TestParallelGroupsUnknownScenarioDegradesToNone(t *testing.T) {
	courses, scenario := ParallelGroups(Scenario(42), groupsWithLecturers("a", "b"))
	if scenario != ScenarioNone {
		t.Fatalf("expected none, got %s", scenario)
	}
	if len(courses) != 1 || len(courses[0]) != 2 {
		t.Fatalf("expected a single outer course, got %+v", courses)
	}
}

func TestParallelGroupsWithoutGroupsStillYieldsOneCourse(t *testing.T) {
	courses, _ := ParallelGroups(ScenarioSeparateCourses, nil)
	if len(courses) != 1 || len(courses[0]) != 0 {
		t.Fatalf("expected one empty outer course, got %+v", courses)
	}
}

func TestParallelGroupsSeparateLecturersBucketsByName(t *testing.T) {
	courses, _ := ParallelGroups(ScenarioSeparateLecturers, groupsWithLecturers("Ada Lovelace", "", "Alan Turing", "Ada Lovelace", ""))
	if len(courses) != 3 {
		t.Fatalf("expected three buckets, got %+v", courses)
	}
	if len(courses[0]) != 2 || courses[0][0].Num != 0 || courses[0][1].Num != 3 {
		t.Fatalf("unexpected first bucket %+v", courses[0])
	}
	if len(courses[1]) != 2 || courses[1][0].Num != 1 || courses[1][1].Num != 4 {
		t.Fatalf("groups without lecturer should share one bucket, got %+v", courses[1])
	}
}

// Known limitation: buckets are keyed by name, so two different lecturers
// who share a name end up in one course.
func TestParallelGroupsSeparateLecturersCollapsesNamesakes(t *testing.T) {
	groups := []Group{
		{Num: 0, Title: "Morning", Lecturers: []string{"Kim Lee"}},
		{Num: 1, Title: "Evening", Lecturers: []string{"Kim Lee"}},
	}
	courses, _ := ParallelGroups(ScenarioSeparateLecturers, groups)
	if len(courses) != 1 {
		t.Fatalf("namesake lecturers are expected to share a bucket, got %d buckets", len(courses))
	}
}

func TestCreatesLocalGroups(t *testing.T) {
	cases := []struct {
		scenario Scenario
		count    int
		want     bool
	}{
		{ScenarioNone, 3, false},
		{ScenarioNone, 1, false},
		{ScenarioOneCourseManyGroups, 3, true},
		{ScenarioOneCourseManyGroups, 1, false},
		{ScenarioSeparateGroupsSingleCourse, 3, true},
		{ScenarioSeparateGroupsSingleCourse, 1, false},
		{ScenarioSeparateCourses, 1, false},
		{ScenarioSeparateCourses, 2, true},
		{ScenarioSeparateLecturers, 2, true},
		{ScenarioSeparateLecturers, 1, false},
	}
	for _, tc := range cases {
		if got := createsLocalGroups(tc.scenario, tc.count); got != tc.want {
			t.Fatalf("createsLocalGroups(%s, %d) = %v, want %v", tc.scenario, tc.count, got, tc.want)
		}
	}
}

func TestMatchParallelGroupsFirstMatchWins(t *testing.T) {
	outer := [][]Group{{{Num: 0}}, {{Num: 1}}, {{Num: 2}}}
	stored := []ParallelGroupRecord{
		{GroupNum: 0, CourseID: 10},
		{GroupNum: 1, CourseID: 10},
		{GroupNum: 2, CourseID: 10},
	}
	match := matchParallelGroupsToCourses(outer, stored, []int64{10})
	if match.Matched[0] != 10 {
		t.Fatalf("first outer course should keep course 10, got %+v", match.Matched)
	}
	if len(match.Matched) != 1 {
		t.Fatalf("course 10 must be claimed only once, got %+v", match.Matched)
	}
	if len(match.NotMatched) != 2 || match.NotMatched[0] != 1 || match.NotMatched[1] != 2 {
		t.Fatalf("unexpected not matched %v", match.NotMatched)
	}
	if len(match.Orphaned) != 0 {
		t.Fatalf("unexpected orphans %v", match.Orphaned)
	}
}

func TestMatchParallelGroupsMergingCoursesOrphansTheRest(t *testing.T) {
	outer := [][]Group{{{Num: 0}, {Num: 1}, {Num: 2}}}
	stored := []ParallelGroupRecord{
		{GroupNum: 0, CourseID: 10},
		{GroupNum: 1, CourseID: 11},
		{GroupNum: 2, CourseID: 12},
	}
	match := matchParallelGroupsToCourses(outer, stored, []int64{10, 11, 12})
	if match.Matched[0] != 10 || len(match.NotMatched) != 0 {
		t.Fatalf("unexpected match %+v", match)
	}
	if len(match.Orphaned) != 2 || match.Orphaned[0] != 11 || match.Orphaned[1] != 12 {
		t.Fatalf("expected courses 11 and 12 orphaned, got %v", match.Orphaned)
	}
}

func TestMatchParallelGroupsFallsBackToUnclaimedCourses(t *testing.T) {
	outer := [][]Group{{}}
	match := matchParallelGroupsToCourses(outer, nil, []int64{10})
	if match.Matched[0] != 10 {
		t.Fatalf("course without groups should keep its real course, got %+v", match)
	}
}

func TestKeepShortName(t *testing.T) {
	cases := []struct {
		existing, base, want string
	}{
		{"L1", "L1", "L1"},
		{"L1_3", "L1", "L1_3"},
		{"L1_x", "L1", "L1"},
		{"L2", "L1", "L1"},
		{"L1_", "L1", "L1"},
	}
	for _, tc := range cases {
		if got := keepShortName(tc.existing, tc.base); got != tc.want {
			t.Fatalf("keepShortName(%q, %q) = %q, want %q", tc.existing, tc.base, got, tc.want)
		}
	}
}

func TestDecodeRemoteNormalizesFields(t *testing.T) {
	remote, err := DecodeRemote([]byte(`{
		"lectureID": 4711,
		"title": " Algebra ",
		"number": "MA-1",
		"groupScenario": "3",
		"groups": [
			{"title": "A", "comment": "mornings", "lecturers": [{"firstName": "Ada", "lastName": "Lovelace"}]},
			{"title": "B", "lecturers": []}
		],
		"allocations": [{"parentID": "101", "order": 6}, {"parentID": 102, "order": "9"}, {"order": 1}]
	}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if remote.CMSCourseID != "4711" || remote.Title != "Algebra" || remote.Scenario != ScenarioSeparateCourses {
		t.Fatalf("unexpected remote %+v", remote)
	}
	if len(remote.Groups) != 2 || remote.Groups[0].FirstLecturer() != "Ada Lovelace" || remote.Groups[1].Num != 1 {
		t.Fatalf("unexpected groups %+v", remote.Groups)
	}
	if len(remote.Allocations) != 2 || remote.Allocations[0] != (Allocation{DirectoryID: 101, Order: 6}) || remote.Allocations[1] != (Allocation{DirectoryID: 102, Order: 9}) {
		t.Fatalf("unexpected allocations %+v", remote.Allocations)
	}
	if remote.Values["number"] != "MA-1" || remote.Values["lectureID"] != "4711" || remote.Values["lecturers"] != "Ada Lovelace" {
		t.Fatalf("unexpected values %+v", remote.Values)
	}

	if _, err := DecodeRemote([]byte(`{"title": "no id"}`)); err == nil {
		t.Fatalf("expected an error without lectureID")
	}
}
