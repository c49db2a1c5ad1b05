package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unipermit/unipermit-api/internal/models"
	appErrors "github.com/unipermit/unipermit-api/pkg/errors"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

func testEngine() Engine {
	return New(24*time.Hour, ist)
}

func strPtr(s string) *string { return &s }

func at(day, clock string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", day+" "+clock, ist)
	if err != nil {
		panic(err)
	}
	return t
}

var (
	scopeA = models.Scope{Department: "CAI", Year: "3", Section: "A"}
	scopeB = models.Scope{Department: "CAI", Year: "3", Section: "B"}
)

func userIn(id string, role models.UserRole, scope models.Scope) models.User {
	return models.User{ID: id, Name: "User " + id, Role: role, Department: scope.Department, Year: scope.Year, Section: scope.Section}
}

func submitted(id, studentID string, scope models.Scope, created time.Time) models.PermissionRequest {
	return models.PermissionRequest{
		ID:                id,
		StudentID:         studentID,
		StudentName:       "Student " + studentID,
		RollNumber:        "R-" + studentID,
		Department:        scope.Department,
		Year:              scope.Year,
		Section:           scope.Section,
		Reason:            "medical",
		LetterImageBase64: "aGVsbG8=",
		Status:            models.PermissionSubmitted,
		CreatedAt:         created,
	}
}

func approvedOn(r models.PermissionRequest, date, start, end string) models.PermissionRequest {
	r.Status = models.PermissionApproved
	r.ApprovedBy = strPtr("Teacher")
	r.PermissionDate = strPtr(date)
	r.StartTime = strPtr(start)
	r.EndTime = strPtr(end)
	return r
}

func ids(records []models.PermissionRequest) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestForSelectsAuthorityByRole(t *testing.T) {
	assert.IsType(t, student{}, For(userIn("s", models.RoleStudent, models.Scope{})))
	assert.IsType(t, classRep{}, For(userIn("c", models.RoleCR, scopeA)))
	assert.IsType(t, classTeacher{}, For(userIn("t", models.RoleClassTeacher, scopeA)))
	assert.IsType(t, staff{}, For(userIn("g", models.RoleTeacher, scopeA)))
	assert.IsType(t, student{}, For(models.User{ID: "x", Role: "UNKNOWN"}))
}

func TestApproveStampsDecision(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "08:00")
	rec := submitted("p1", "s1", scopeA, now.Add(-time.Hour))
	cr := For(models.User{ID: "cr", Name: "Asha", Role: models.RoleCR, Department: "CAI", Year: "3", Section: "A"})

	out, err := e.Approve(rec, cr, models.Decision{PermissionDate: "2025-03-10", StartTime: "09:00", EndTime: "10:00"}, now)
	require.NoError(t, err)

	assert.Equal(t, models.PermissionApproved, out.Status)
	require.NotNil(t, out.ApprovedBy)
	assert.Equal(t, "Asha (CR)", *out.ApprovedBy)
	require.NotNil(t, out.ApprovedAt)
	assert.True(t, out.ApprovedAt.Equal(now))
	assert.Equal(t, "2025-03-10", *out.PermissionDate)
	assert.Equal(t, "09:00", *out.StartTime)
	assert.Equal(t, "10:00", *out.EndTime)
	assert.Equal(t, models.PermissionSubmitted, rec.Status, "input must not be mutated")
}

func TestApproveByClassTeacherHasNoSuffix(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "08:00")
	rec := submitted("p1", "s1", scopeA, now)
	teacher := For(models.User{ID: "t", Name: "Mrs Rao", Role: models.RoleClassTeacher, Department: "CAI", Year: "3", Section: "A"})

	out, err := e.Approve(rec, teacher, models.Decision{PermissionDate: "2025-03-11", StartTime: "13:00", EndTime: "15:30"}, now)
	require.NoError(t, err)
	assert.Equal(t, "Mrs Rao", *out.ApprovedBy)
}

func TestRejectLeavesScheduleUnset(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "08:00")
	rec := submitted("p1", "s1", scopeA, now)
	rec.PermissionDate = strPtr("2025-03-10")
	teacher := For(userIn("t", models.RoleClassTeacher, scopeA))

	out, err := e.Reject(rec, teacher, now)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionRejected, out.Status)
	assert.NotNil(t, out.ApprovedBy)
	assert.NotNil(t, out.ApprovedAt)
	assert.Nil(t, out.PermissionDate)
	assert.Nil(t, out.StartTime)
	assert.Nil(t, out.EndTime)
}

func TestTransitionsOnTerminalRecordsAreIneffective(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "08:00")
	teacher := For(userIn("t", models.RoleClassTeacher, scopeA))
	base := submitted("p1", "s1", scopeA, now.Add(-48*time.Hour))

	terminal := []models.PermissionRequest{
		approvedOn(base, "2025-03-09", "09:00", "10:00"),
		func() models.PermissionRequest { r := base; r.Status = models.PermissionRejected; return r }(),
	}

	for _, rec := range terminal {
		t.Run(string(rec.Status), func(t *testing.T) {
			approved, err := e.Approve(rec, teacher, models.Decision{PermissionDate: "2025-03-10", StartTime: "09:00", EndTime: "10:00"}, now)
			assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)
			assert.Equal(t, rec, approved)

			rejected, err := e.Reject(rec, teacher, now)
			assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)
			assert.Equal(t, rec, rejected)
		})
	}
}

func TestScopeMismatchRejectedBeforeStateMachine(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "08:00")
	teacherX := For(userIn("t", models.RoleClassTeacher, scopeA))

	rec := submitted("p1", "s1", scopeB, now)
	out, err := e.Approve(rec, teacherX, models.Decision{PermissionDate: "2025-03-10", StartTime: "09:00", EndTime: "10:00"}, now)
	assert.ErrorIs(t, err, appErrors.ErrScopeMismatch)
	assert.Equal(t, rec, out)

	// A decided record in another scope still reports the authorization failure.
	decided := approvedOn(rec, "2025-03-10", "09:00", "10:00")
	_, err = e.Reject(decided, teacherX, now)
	assert.ErrorIs(t, err, appErrors.ErrScopeMismatch)
}

func TestClassRepCannotApproveOwnRequest(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "08:00")
	cr := For(userIn("cr", models.RoleCR, scopeA))

	_, err := e.Approve(submitted("p1", "cr", scopeA, now), cr, models.Decision{PermissionDate: "2025-03-10", StartTime: "09:00", EndTime: "10:00"}, now)
	assert.ErrorIs(t, err, appErrors.ErrSelfApproval)

	_, err = e.Reject(submitted("p2", "cr", scopeA, now), cr, now)
	assert.ErrorIs(t, err, appErrors.ErrSelfApproval)
}

func TestStudentsAndStaffCannotDecide(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "08:00")
	rec := submitted("p1", "s1", scopeA, now)

	for _, auth := range []Authority{
		For(userIn("s2", models.RoleStudent, scopeA)),
		For(userIn("g", models.RoleTeacher, scopeA)),
	} {
		_, err := e.Reject(rec, auth, now)
		assert.ErrorIs(t, err, appErrors.ErrNotAuthority)
	}
}

func TestApproveValidatesDecision(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "08:00")
	rec := submitted("p1", "s1", scopeA, now)
	teacher := For(userIn("t", models.RoleClassTeacher, scopeA))

	cases := map[string]models.Decision{
		"missing date":     {StartTime: "09:00", EndTime: "10:00"},
		"bad date":         {PermissionDate: "10/03/2025", StartTime: "09:00", EndTime: "10:00"},
		"bad time":         {PermissionDate: "2025-03-10", StartTime: "9am", EndTime: "10:00"},
		"end before start": {PermissionDate: "2025-03-10", StartTime: "11:00", EndTime: "10:00"},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := e.Approve(rec, teacher, d, now)
			assert.ErrorIs(t, err, appErrors.ErrValidation)
			assert.Equal(t, models.PermissionSubmitted, out.Status)
		})
	}

	_, err := e.Approve(rec, teacher, models.Decision{PermissionDate: "2025-03-10", StartTime: "10:00", EndTime: "10:00"}, now)
	assert.NoError(t, err, "zero-length window is allowed")
}

func TestApproveExpiredRecordFails(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "08:00")
	rec := submitted("p1", "s1", scopeA, now.Add(-25*time.Hour))
	teacher := For(userIn("t", models.RoleClassTeacher, scopeA))

	_, err := e.Approve(rec, teacher, models.Decision{PermissionDate: "2025-03-10", StartTime: "09:00", EndTime: "10:00"}, now)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestExpiredRequestsVanishFromEveryView(t *testing.T) {
	e := testEngine()
	created := at("2025-03-10", "08:00")
	rec := submitted("p1", "s1", scopeA, created)
	cr := For(userIn("cr", models.RoleCR, scopeA))
	teacher := For(userIn("t", models.RoleClassTeacher, scopeA))
	records := []models.PermissionRequest{rec}

	justBefore := created.Add(23*time.Hour + 59*time.Minute)
	assert.Equal(t, []string{"p1"}, ids(e.PendingQueue(cr, records, justBefore)))

	after := created.Add(24*time.Hour + time.Minute)
	assert.Empty(t, e.PendingQueue(cr, records, after))
	assert.Empty(t, e.PendingQueue(teacher, records, after))
	assert.Empty(t, e.History(teacher, records, after))
	assert.Empty(t, e.OwnHistory("s1", records, after))
	assert.Empty(t, e.Visible(teacher, records, after))
	assert.Empty(t, e.Sweep(records, after))

	assert.True(t, e.IsExpired(rec, created.Add(24*time.Hour)), "threshold is inclusive")
}

func TestSweepNeverTouchesDecidedRecords(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "08:00")
	old := now.Add(-30 * 24 * time.Hour)
	approved := approvedOn(submitted("a", "s1", scopeA, old), "2025-02-08", "09:00", "10:00")
	rejected := submitted("r", "s1", scopeA, old)
	rejected.Status = models.PermissionRejected

	out := e.Sweep([]models.PermissionRequest{approved, rejected, submitted("x", "s1", scopeA, old)}, now)
	assert.Equal(t, []string{"a", "r"}, ids(out))
}

func TestSweepIsIdempotent(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "08:00")
	records := []models.PermissionRequest{
		submitted("fresh", "s1", scopeA, now.Add(-time.Hour)),
		submitted("stale", "s2", scopeA, now.Add(-25*time.Hour)),
		approvedOn(submitted("done", "s3", scopeA, now.Add(-72*time.Hour)), "2025-03-07", "09:00", "10:00"),
	}

	first := e.Sweep(records, now)
	second := e.Sweep(first, now)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"fresh", "done"}, ids(first))
	assert.Len(t, records, 3, "input slice untouched")
}

func TestPendingQueueOrderingAndFiltering(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "12:00")
	records := []models.PermissionRequest{
		submitted("late", "s2", scopeA, now.Add(-1*time.Hour)),
		submitted("early", "s3", scopeA, now.Add(-5*time.Hour)),
		submitted("own", "cr", scopeA, now.Add(-3*time.Hour)),
		submitted("other", "s4", scopeB, now.Add(-4*time.Hour)),
		approvedOn(submitted("done", "s5", scopeA, now.Add(-6*time.Hour)), "2025-03-10", "09:00", "10:00"),
	}

	cr := For(userIn("cr", models.RoleCR, scopeA))
	assert.Equal(t, []string{"early", "late"}, ids(e.PendingQueue(cr, records, now)))

	teacher := For(userIn("t", models.RoleClassTeacher, scopeA))
	assert.Equal(t, []string{"early", "own", "late"}, ids(e.PendingQueue(teacher, records, now)))

	assert.Empty(t, e.PendingQueue(For(userIn("s2", models.RoleStudent, scopeA)), records, now))
	assert.Empty(t, e.PendingQueue(For(userIn("g", models.RoleTeacher, scopeA)), records, now))
}

func TestClassRepQueueNeverContainsOwnRequests(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "12:00")
	scopes := []models.Scope{scopeA, scopeB, {Department: "ECE", Year: "2", Section: "C"}}

	var records []models.PermissionRequest
	for i, s := range scopes {
		records = append(records,
			submitted("own-"+s.Section, "cr", s, now.Add(-time.Duration(i+1)*time.Hour)),
			submitted("peer-"+s.Section, "peer"+s.Section, s, now.Add(-time.Duration(i+1)*time.Minute)),
		)
	}

	for _, s := range scopes {
		queue := e.PendingQueue(For(userIn("cr", models.RoleCR, s)), records, now)
		require.NotEmpty(t, queue)
		for _, r := range queue {
			assert.NotEqual(t, "cr", r.StudentID)
		}
	}
}

func TestHistoryAndOwnHistory(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "12:00")
	rejected := submitted("rej", "s1", scopeA, now.Add(-2*time.Hour))
	rejected.Status = models.PermissionRejected
	records := []models.PermissionRequest{
		approvedOn(submitted("old", "s1", scopeB, now.Add(-48*time.Hour)), "2025-03-08", "09:00", "10:00"),
		rejected,
		approvedOn(submitted("new", "s2", scopeA, now.Add(-time.Hour)), "2025-03-10", "09:00", "10:00"),
		submitted("pending", "s1", scopeA, now.Add(-30*time.Minute)),
	}

	teacher := For(userIn("t", models.RoleClassTeacher, scopeA))
	assert.Equal(t, []string{"new", "rej"}, ids(e.History(teacher, records, now)))

	// Own history spans scopes so a transferred student keeps old requests.
	assert.Equal(t, []string{"pending", "rej", "old"}, ids(e.OwnHistory("s1", records, now)))
	assert.Empty(t, e.OwnHistory("", records, now))
}

func TestTodayAttendance(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "12:00")
	records := []models.PermissionRequest{
		approvedOn(submitted("b", "s2", scopeA, now.Add(-time.Hour)), "2025-03-10", "09:00", "10:00"),
		approvedOn(submitted("a", "s1", scopeA, now.Add(-2*time.Hour)), "2025-03-10", "13:00", "14:00"),
		approvedOn(submitted("tomorrow", "s3", scopeA, now), "2025-03-11", "09:00", "10:00"),
		approvedOn(submitted("elsewhere", "s4", scopeB, now), "2025-03-10", "09:00", "10:00"),
		submitted("pending", "s5", scopeA, now),
	}
	records[0].RollNumber = "23A02"
	records[1].RollNumber = "23A01"

	cr := For(userIn("cr", models.RoleCR, scopeA))
	got, err := e.TodayAttendance(cr, records, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))

	_, err = e.TodayAttendance(For(userIn("t", models.RoleClassTeacher, scopeA)), records, now)
	assert.ErrorIs(t, err, appErrors.ErrNotAuthority)
}

func TestTodayUsesLocalDate(t *testing.T) {
	e := testEngine()
	// 20:00 UTC on the 9th is already the 10th in IST.
	now := time.Date(2025, 3, 9, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-03-10", e.Today(now))
}

func TestLookup(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "12:00")
	records := []models.PermissionRequest{
		approvedOn(submitted("b1", "s1", scopeB, now), "2025-03-01", "09:00", "10:00"),
		approvedOn(submitted("b0", "s0", scopeB, now.Add(-time.Hour)), "2025-03-02", "09:00", "10:00"),
		submitted("b-pending", "s2", scopeB, now),
		approvedOn(submitted("a1", "s3", scopeA, now), "2025-03-01", "09:00", "10:00"),
	}

	staffer := For(userIn("g", models.RoleTeacher, scopeA))
	got, err := e.Lookup(staffer, scopeB, records, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"b0", "b1"}, ids(got))

	_, err = e.Lookup(staffer, models.Scope{Department: "CAI"}, records, now)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = e.Lookup(For(userIn("cr", models.RoleCR, scopeA)), scopeB, records, now)
	assert.ErrorIs(t, err, appErrors.ErrNotAuthority)
}

func TestVisibleByRole(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "12:00")
	records := []models.PermissionRequest{
		submitted("a-pending", "s1", scopeA, now.Add(-time.Hour)),
		approvedOn(submitted("b-approved", "s2", scopeB, now.Add(-2*time.Hour)), "2025-03-10", "09:00", "10:00"),
		submitted("b-pending", "s3", scopeB, now.Add(-3*time.Hour)),
		submitted("cr-own-b", "cr", scopeB, now.Add(-4*time.Hour)),
	}

	assert.Equal(t, []string{"a-pending"}, ids(e.Visible(For(userIn("s1", models.RoleStudent, models.Scope{})), records, now)))
	assert.Equal(t, []string{"a-pending", "cr-own-b"}, ids(e.Visible(For(userIn("cr", models.RoleCR, scopeA)), records, now)))
	assert.Equal(t, []string{"a-pending", "b-approved"}, ids(e.Visible(For(userIn("t", models.RoleClassTeacher, scopeA)), records, now)))
	assert.Equal(t, []string{"b-approved"}, ids(e.Visible(For(userIn("g", models.RoleTeacher, scopeA)), records, now)))
}

func TestDefaultDecision(t *testing.T) {
	e := testEngine()
	now := at("2025-03-10", "07:00")
	rec := submitted("p1", "s1", scopeA, now)

	assert.Equal(t, models.Decision{PermissionDate: "2025-03-10", StartTime: "09:00", EndTime: "10:00"}, e.DefaultDecision(rec, now))

	rec.RequestedDate = "2025-03-12"
	rec.RequestedStartTime = "11:00"
	rec.RequestedEndTime = "12:30"
	assert.Equal(t, models.Decision{PermissionDate: "2025-03-12", StartTime: "11:00", EndTime: "12:30"}, e.DefaultDecision(rec, now))

	resolved := e.Resolve(rec, models.Decision{EndTime: "13:00"}, now)
	assert.Equal(t, models.Decision{PermissionDate: "2025-03-12", StartTime: "11:00", EndTime: "13:00"}, resolved)
}
