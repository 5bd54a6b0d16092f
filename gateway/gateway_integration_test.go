package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/timeclock_backend/config"
	"bitbucket.org/mmdatafocus/timeclock_backend/gateway"
	"bitbucket.org/mmdatafocus/timeclock_backend/models"
	"bitbucket.org/mmdatafocus/timeclock_backend/sweeper"
	"bitbucket.org/mmdatafocus/timeclock_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	siteLat    = 16.8000
	siteLng    = 96.1000
	siteRadius = 100.0
)

func TestClockInClockOutLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)

	// Fresh clock-in inside the boundary.
	inEvent := uuid.NewString()
	resp, err := gateway.SubmitClockIn(ctx, gateway.ClockInInput{
		JobId: 1, Lat: siteLat, Lng: siteLng, AccuracyMeters: 10, EventId: inEvent,
	})
	if err != nil {
		t.Fatalf("clock-in failed: %v", err)
	}
	if resp.Entry == nil || resp.Entry.State() != models.EntryStateOpen {
		t.Fatalf("expected open entry, got %+v", resp.Entry)
	}
	if !resp.Entry.ClockInGeofenceValid || resp.GeofenceFlagged {
		t.Fatalf("expected valid geofence verdict, got %+v", resp)
	}
	entryId := resp.Entry.ID

	// Replaying the same event id returns the stored result and creates
	// nothing new.
	replay, err := gateway.SubmitClockIn(ctx, gateway.ClockInInput{
		JobId: 1, Lat: siteLat, Lng: siteLng, AccuracyMeters: 10, EventId: inEvent,
	})
	if err != nil {
		t.Fatalf("replayed clock-in failed: %v", err)
	}
	if replay.Entry.ID != entryId {
		t.Fatalf("replay returned entry %d, want %d", replay.Entry.ID, entryId)
	}
	assertSameResponse(t, resp, replay)
	assertEntryCount(t, 1)

	// A second clock-in with a fresh event id is a real duplicate attempt.
	_, err = gateway.SubmitClockIn(ctx, gateway.ClockInInput{
		JobId: 1, Lat: siteLat, Lng: siteLng, AccuracyMeters: 10, EventId: uuid.NewString(),
	})
	if utils.AsApiError(err).Code != utils.ErrorCodeFailedPrecondition {
		t.Fatalf("expected FAILED_PRECONDITION for duplicate open entry, got %v", err)
	}
	assertEntryCount(t, 1)

	// Another worker may not close this entry.
	otherCtx := actorContext("acme", 2, models.UserRoleWorker)
	_, err = gateway.SubmitClockOut(otherCtx, gateway.ClockOutInput{
		EntryId: entryId, Lat: siteLat, Lng: siteLng, AccuracyMeters: 10, EventId: uuid.NewString(),
	})
	if utils.AsApiError(err).Code != utils.ErrorCodePermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED for foreign entry, got %v", err)
	}

	// Owner closes it.
	outEvent := uuid.NewString()
	outResp, err := gateway.SubmitClockOut(ctx, gateway.ClockOutInput{
		EntryId: entryId, Lat: siteLat, Lng: siteLng, AccuracyMeters: 10, EventId: outEvent,
	})
	if err != nil {
		t.Fatalf("clock-out failed: %v", err)
	}
	if outResp.Entry.State() != models.EntryStateClosed {
		t.Fatalf("expected closed entry, got state %s", outResp.Entry.State())
	}

	// Clock-out replay is also idempotent; the duplicate does not error even
	// though the entry is no longer open.
	outReplay, err := gateway.SubmitClockOut(ctx, gateway.ClockOutInput{
		EntryId: entryId, Lat: siteLat, Lng: siteLng, AccuracyMeters: 10, EventId: outEvent,
	})
	if err != nil {
		t.Fatalf("replayed clock-out failed: %v", err)
	}
	if !outReplay.Entry.ClockOutAt.Equal(*outResp.Entry.ClockOutAt) {
		t.Fatalf("replayed clock-out differs: %v vs %v", outReplay.Entry.ClockOutAt, outResp.Entry.ClockOutAt)
	}
	assertSameResponse(t, outResp, outReplay)

	// A fresh clock-out attempt on the closed entry is a real error.
	_, err = gateway.SubmitClockOut(ctx, gateway.ClockOutInput{
		EntryId: entryId, Lat: siteLat, Lng: siteLng, AccuracyMeters: 10, EventId: uuid.NewString(),
	})
	if utils.AsApiError(err).Code != utils.ErrorCodeFailedPrecondition {
		t.Fatalf("expected FAILED_PRECONDITION for closed entry, got %v", err)
	}

	// Invoiced entries are immutable even for admins.
	invoice := "INV-100"
	if err := config.GetDB().Model(&models.TimeEntry{}).Where("id = ?", entryId).
		Update("invoice_id", invoice).Error; err != nil {
		t.Fatalf("mark invoiced: %v", err)
	}
	adminCtx := actorContext("acme", 9, models.UserRoleAdmin)
	_, err = gateway.SubmitClockOut(adminCtx, gateway.ClockOutInput{
		EntryId: entryId, Lat: siteLat, Lng: siteLng, AccuracyMeters: 10, EventId: uuid.NewString(),
	})
	if utils.AsApiError(err).Code != utils.ErrorCodeFailedPrecondition {
		t.Fatalf("expected FAILED_PRECONDITION for invoiced entry, got %v", err)
	}
}

func TestClockInOutsideBoundaryIsFlaggedButRecorded(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)

	// ~1.1km north of the site center.
	event := uuid.NewString()
	resp, err := gateway.SubmitClockIn(ctx, gateway.ClockInInput{
		JobId: 1, Lat: siteLat + 0.01, Lng: siteLng, AccuracyMeters: 10, EventId: event,
	})
	apiErr := utils.AsApiError(err)
	if apiErr.Code != utils.ErrorCodeFailedPrecondition || apiErr.Reason != utils.ReasonGeofence {
		t.Fatalf("expected geofence soft failure, got %v", err)
	}
	if resp == nil || resp.Entry == nil {
		t.Fatal("flagged clock-in must still return the recorded entry")
	}
	if !resp.GeofenceFlagged || resp.Entry.ClockInGeofenceValid {
		t.Fatalf("expected flagged entry, got %+v", resp)
	}
	assertEntryCount(t, 1)

	// The replay observes the same dual outcome.
	replay, replayErr := gateway.SubmitClockIn(ctx, gateway.ClockInInput{
		JobId: 1, Lat: siteLat + 0.01, Lng: siteLng, AccuracyMeters: 10, EventId: event,
	})
	replayApiErr := utils.AsApiError(replayErr)
	if replayApiErr.Code != utils.ErrorCodeFailedPrecondition || replayApiErr.Reason != utils.ReasonGeofence {
		t.Fatalf("expected replayed geofence soft failure, got %v", replayErr)
	}
	if replay.Entry.ID != resp.Entry.ID {
		t.Fatalf("replay returned entry %d, want %d", replay.Entry.ID, resp.Entry.ID)
	}
	assertSameResponse(t, resp, replay)
	assertEntryCount(t, 1)
}

func TestClockInRejectsImpreciseReport(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)

	_, err := gateway.SubmitClockIn(ctx, gateway.ClockInInput{
		JobId: 1, Lat: siteLat, Lng: siteLng, AccuracyMeters: 5000, EventId: uuid.NewString(),
	})
	apiErr := utils.AsApiError(err)
	if apiErr.Code != utils.ErrorCodeFailedPrecondition || apiErr.Reason != utils.ReasonAccuracy {
		t.Fatalf("expected accuracy rejection, got %v", err)
	}
	assertEntryCount(t, 0)
}

func TestClockOutRejectsImpreciseReport(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)

	resp, err := gateway.SubmitClockIn(ctx, gateway.ClockInInput{
		JobId: 1, Lat: siteLat, Lng: siteLng, AccuracyMeters: 10, EventId: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("clock-in failed: %v", err)
	}

	// An uncertainty radius this large would make any geofence verdict
	// meaningless, so the clock-out is rejected before evaluation.
	_, err = gateway.SubmitClockOut(ctx, gateway.ClockOutInput{
		EntryId: resp.Entry.ID, Lat: siteLat, Lng: siteLng, AccuracyMeters: 5000, EventId: uuid.NewString(),
	})
	apiErr := utils.AsApiError(err)
	if apiErr.Code != utils.ErrorCodeFailedPrecondition || apiErr.Reason != utils.ReasonAccuracy {
		t.Fatalf("expected accuracy rejection, got %v", err)
	}

	var check models.TimeEntry
	if err := config.GetDB().First(&check, resp.Entry.ID).Error; err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if check.ClockOutAt != nil {
		t.Fatal("rejected clock-out must leave the entry open")
	}
}

func TestClockInRequiresActiveAssignment(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	setupIntegration(t)

	// User 3 was assigned once but the assignment is switched off.
	inactive := models.JobAssignment{
		CompanyId: "acme", JobId: 1, UserId: 3, IsActive: utils.NewFalse(),
	}
	if err := config.GetDB().Create(&inactive).Error; err != nil {
		t.Fatalf("seed inactive assignment: %v", err)
	}

	ctx := actorContext("acme", 3, models.UserRoleWorker)
	_, err := gateway.SubmitClockIn(ctx, gateway.ClockInInput{
		JobId: 1, Lat: siteLat, Lng: siteLng, AccuracyMeters: 10, EventId: uuid.NewString(),
	})
	apiErr := utils.AsApiError(err)
	if apiErr.Code != utils.ErrorCodePermissionDenied || apiErr.Reason != utils.ReasonAssignment {
		t.Fatalf("expected assignment rejection, got %v", err)
	}
	assertEntryCount(t, 0)
}

func TestOpenEntryUniqueIndexBlocksSecondInsert(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)
	db := config.GetDB()

	resp, err := gateway.SubmitClockIn(ctx, gateway.ClockInInput{
		JobId: 1, Lat: siteLat, Lng: siteLng, AccuracyMeters: 10, EventId: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("clock-in failed: %v", err)
	}

	// A writer that slips past the advisory lock and the open-entry check
	// still cannot create a second open entry for the same slot.
	dup := models.TimeEntry{
		CompanyId: "acme", UserId: 1, JobId: 1,
		ClockInAt:            time.Now().UTC(),
		ClockInLocation:      models.Location{Lat: siteLat, Lng: siteLng, AccuracyMeters: 10},
		ClockInGeofenceValid: true,
		ExceptionTags:        models.StringSet{},
		OpenKey:              models.EntryOpenKey("acme", 1, 1),
	}
	if err := db.Create(&dup).Error; err == nil {
		t.Fatal("second open entry for the same slot must violate the unique index")
	}
	assertEntryCount(t, 1)

	// Closing the first entry frees the slot.
	if _, err := gateway.SubmitClockOut(ctx, gateway.ClockOutInput{
		EntryId: resp.Entry.ID, Lat: siteLat, Lng: siteLng, AccuracyMeters: 10, EventId: uuid.NewString(),
	}); err != nil {
		t.Fatalf("clock-out failed: %v", err)
	}
	if _, err := gateway.SubmitClockIn(ctx, gateway.ClockInInput{
		JobId: 1, Lat: siteLat, Lng: siteLng, AccuracyMeters: 10, EventId: uuid.NewString(),
	}); err != nil {
		t.Fatalf("clock-in after close failed: %v", err)
	}
	assertEntryCount(t, 2)
}

func TestSweepClosesOverdueEntries(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	setupIntegration(t)
	db := config.GetDB()

	clockIn := time.Now().UTC().Add(-13 * time.Hour).Truncate(time.Second)
	overdue := models.TimeEntry{
		CompanyId: "acme", UserId: 1, JobId: 1,
		ClockInAt:            clockIn,
		ClockInLocation:      models.Location{Lat: siteLat, Lng: siteLng, AccuracyMeters: 10},
		ClockInGeofenceValid: true,
		ExceptionTags:        models.StringSet{},
	}
	recent := models.TimeEntry{
		CompanyId: "acme", UserId: 2, JobId: 1,
		ClockInAt:            time.Now().UTC().Add(-2 * time.Hour),
		ClockInLocation:      models.Location{Lat: siteLat, Lng: siteLng, AccuracyMeters: 10},
		ClockInGeofenceValid: true,
		ExceptionTags:        models.StringSet{},
	}
	if err := db.Create(&overdue).Error; err != nil {
		t.Fatalf("seed overdue entry: %v", err)
	}
	if err := db.Create(&recent).Error; err != nil {
		t.Fatalf("seed recent entry: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s := sweeper.New(db, logger)

	// Dry run reports without closing.
	summary, err := s.SweepOnce(context.Background(), true)
	if err != nil {
		t.Fatalf("dry-run sweep failed: %v", err)
	}
	if summary.Closed != 1 || !summary.DryRun {
		t.Fatalf("dry-run summary wrong: %+v", summary)
	}
	var check models.TimeEntry
	if err := db.First(&check, overdue.ID).Error; err != nil {
		t.Fatalf("reload overdue entry: %v", err)
	}
	if check.ClockOutAt != nil {
		t.Fatal("dry-run must not close entries")
	}

	// Real sweep closes at clockInAt + cap, not at wall-clock time.
	summary, err = s.SweepOnce(context.Background(), false)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if summary.Closed != 1 {
		t.Fatalf("expected exactly one closed entry, got %+v", summary)
	}
	if err := db.First(&check, overdue.ID).Error; err != nil {
		t.Fatalf("reload overdue entry: %v", err)
	}
	if check.ClockOutAt == nil || !check.ClockOutAt.UTC().Equal(clockIn.Add(12*time.Hour)) {
		t.Fatalf("expected clock-out at %v, got %v", clockIn.Add(12*time.Hour), check.ClockOutAt)
	}
	if !check.AutoClosed || !check.ExceptionTags.Has(models.ExceptionTagAutoClockOut) ||
		!check.ExceptionTags.Has(models.ExceptionTagExceedsMaxDuration) {
		t.Fatalf("auto-close markers missing: %+v", check)
	}

	var untouched models.TimeEntry
	if err := db.First(&untouched, recent.ID).Error; err != nil {
		t.Fatalf("reload recent entry: %v", err)
	}
	if untouched.ClockOutAt != nil {
		t.Fatal("recent entry must stay open")
	}

	// The sweep is idempotent: a second pass finds nothing.
	summary, err = s.SweepOnce(context.Background(), false)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if summary.Closed != 0 {
		t.Fatalf("second sweep closed %d entries", summary.Closed)
	}
}

func actorContext(companyId string, userId int, role models.UserRole) context.Context {
	ctx := context.Background()
	ctx = utils.SetCompanyIdInContext(ctx, companyId)
	ctx = utils.SetUserIdInContext(ctx, userId)
	ctx = utils.SetRoleInContext(ctx, string(role))
	return ctx
}

// assertSameResponse requires the replay to be byte-identical to the first
// response, not merely to reference the same entry.
func assertSameResponse(t *testing.T, first, replay *gateway.ClockResponse) {
	t.Helper()
	firstBody, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal first response: %v", err)
	}
	replayBody, err := json.Marshal(replay)
	if err != nil {
		t.Fatalf("marshal replayed response: %v", err)
	}
	if !bytes.Equal(firstBody, replayBody) {
		t.Fatalf("replayed response differs:\nfirst:  %s\nreplay: %s", firstBody, replayBody)
	}
}

func assertEntryCount(t *testing.T, want int64) {
	t.Helper()
	var count int64
	if err := config.GetDB().Model(&models.TimeEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != want {
		t.Fatalf("expected %d entries, got %d", want, count)
	}
}

// setupIntegration boots throwaway MySQL + Redis containers, connects the
// config singletons, migrates, and seeds one company with a worker assigned
// to job site 1. Returns the worker's request context.
func setupIntegration(t *testing.T) context.Context {
	t.Helper()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "timeclock_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	active := true
	site := models.JobSite{
		ID: 1, CompanyId: "acme", Name: "Downtown Build",
		CenterLat: siteLat, CenterLng: siteLng, RadiusMeters: siteRadius,
		IsActive: &active,
	}
	if err := db.Create(&site).Error; err != nil {
		t.Fatalf("seed job site: %v", err)
	}
	for _, userId := range []int{1, 2} {
		assignment := models.JobAssignment{
			CompanyId: "acme", JobId: 1, UserId: userId, IsActive: &active,
		}
		if err := db.Create(&assignment).Error; err != nil {
			t.Fatalf("seed assignment: %v", err)
		}
	}

	return actorContext("acme", 1, models.UserRoleWorker)
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("timeclock-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("timeclock-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=timeclock_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
