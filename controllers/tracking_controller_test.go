package controller

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailpulse/config"
	"mailpulse/models"
	"mailpulse/utils"
	"mailpulse/worker"
)

const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := config.MigrateDB(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// seedTrackedEmail creates a sending campaign with one contact, one
// sent delivery record and its tracking record, and returns all three.
func seedTrackedEmail(t *testing.T, db *gorm.DB) (*models.Campaign, *models.Email, *models.EmailTracking) {
	t.Helper()

	started := time.Now().Add(-time.Hour)
	campaign := &models.Campaign{
		UserID:    1,
		Name:      "launch",
		Subject:   "Hello",
		Steps:     []models.CampaignStep{{}},
		Status:    models.CampaignStatusSending,
		StartedAt: &started,
	}
	if err := db.Create(campaign).Error; err != nil {
		t.Fatal(err)
	}
	contact := &models.Contact{UserID: 1, Email: "ada@example.com"}
	if err := db.Create(contact).Error; err != nil {
		t.Fatal(err)
	}

	email, err := worker.CreateStepRecord(db, campaign, contact.ID, 0, 0, started)
	if err != nil {
		t.Fatal(err)
	}
	sentAt := started.Add(time.Minute)
	if err := db.Model(&models.Email{}).Where("id = ?", email.ID).
		Updates(map[string]interface{}{"status": models.EmailStatusSent, "sent_at": sentAt}).Error; err != nil {
		t.Fatal(err)
	}

	var tracking models.EmailTracking
	if err := db.Where("email_id = ?", email.ID).First(&tracking).Error; err != nil {
		t.Fatal(err)
	}
	return campaign, email, &tracking
}

func newTrackingApp(db *gorm.DB) *fiber.App {
	tc := NewTrackingController(db, testLogger(), nil)
	app := fiber.New()
	app.Get("/tracking/pixel/:trackingId", tc.HandleOpenPixel)
	app.Get("/tracking/click/:trackingId", tc.HandleClickTracking)
	return app
}

func doGet(t *testing.T, app *fiber.App, target, userAgent string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request %s: %v", target, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func countEvents(tr *models.EmailTracking, eventType string) int {
	n := 0
	for _, ev := range tr.Events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func TestOpenPixelRecordsAtMostOnce(t *testing.T) {
	db := newTestDB(t)
	campaign, _, tracking := seedTrackedEmail(t, db)
	app := newTrackingApp(db)
	target := "/tracking/pixel/" + tracking.TrackingPixelID

	for i := 0; i < 2; i++ {
		resp := doGet(t, app, target, browserUA)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("hit %d status = %d, want 200", i+1, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("content-type = %q, want image/png", ct)
		}
		if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "no-store") {
			t.Errorf("cache-control = %q, want no-store", cc)
		}
		if !bytes.Equal(readBody(t, resp), utils.TransparentPixel()) {
			t.Errorf("hit %d body is not the transparent pixel", i+1)
		}
	}

	var reloaded models.EmailTracking
	if err := db.First(&reloaded, tracking.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got := countEvents(&reloaded, models.EventOpened); got != 1 {
		t.Errorf("opened events = %d, want 1", got)
	}

	var reloadedCampaign models.Campaign
	if err := db.First(&reloadedCampaign, campaign.ID).Error; err != nil {
		t.Fatal(err)
	}
	if reloadedCampaign.Opened != 1 {
		t.Errorf("opened counter = %d, want 1", reloadedCampaign.Opened)
	}
}

func TestOpenPixelConcurrentHitsCountOnce(t *testing.T) {
	db := newTestDB(t)
	campaign, _, tracking := seedTrackedEmail(t, db)
	app := newTrackingApp(db)
	target := "/tracking/pixel/" + tracking.TrackingPixelID

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, target, nil)
			req.Header.Set("User-Agent", browserUA)
			resp, err := app.Test(req, -1)
			if err != nil {
				t.Errorf("pixel request: %v", err)
				return
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()

	var reloaded models.EmailTracking
	if err := db.First(&reloaded, tracking.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got := countEvents(&reloaded, models.EventOpened); got != 1 {
		t.Errorf("opened events = %d, want 1", got)
	}

	var reloadedCampaign models.Campaign
	if err := db.First(&reloadedCampaign, campaign.ID).Error; err != nil {
		t.Fatal(err)
	}
	if reloadedCampaign.Opened != 1 {
		t.Errorf("opened counter = %d, want 1", reloadedCampaign.Opened)
	}
}

func TestOpenPixelBotGetsIdenticalResponseWithoutMutation(t *testing.T) {
	db := newTestDB(t)
	campaign, _, tracking := seedTrackedEmail(t, db)
	app := newTrackingApp(db)
	target := "/tracking/pixel/" + tracking.TrackingPixelID

	human := doGet(t, app, "/tracking/pixel/unknown", browserUA)
	humanBody := readBody(t, human)

	bots := []string{"curl/8.4.0", "Googlebot/2.1 (+http://www.google.com/bot.html)", ""}
	for _, ua := range bots {
		resp := doGet(t, app, target, ua)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("bot %q status = %d, want 200", ua, resp.StatusCode)
		}
		if !bytes.Equal(readBody(t, resp), humanBody) {
			t.Errorf("bot %q got a different pixel body", ua)
		}
	}

	var reloaded models.EmailTracking
	if err := db.First(&reloaded, tracking.ID).Error; err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Events) != 0 {
		t.Errorf("bot hits recorded %d events", len(reloaded.Events))
	}

	var reloadedCampaign models.Campaign
	if err := db.First(&reloadedCampaign, campaign.ID).Error; err != nil {
		t.Fatal(err)
	}
	if reloadedCampaign.Opened != 0 {
		t.Errorf("opened counter = %d, want 0", reloadedCampaign.Opened)
	}
}

func TestOpenPixelUnknownIDFailsOpen(t *testing.T) {
	db := newTestDB(t)
	app := newTrackingApp(db)

	resp := doGet(t, app, "/tracking/pixel/deadbeef", browserUA)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !bytes.Equal(readBody(t, resp), utils.TransparentPixel()) {
		t.Error("unknown id did not get the standard pixel")
	}
}

func TestClickRecordsEveryHit(t *testing.T) {
	db := newTestDB(t)
	campaign, _, tracking := seedTrackedEmail(t, db)
	app := newTrackingApp(db)

	dest := "https://example.com/products/42"
	target := "/tracking/click/" + tracking.TrackingPixelID + "?url=" + url.QueryEscape(dest)

	const hits = 3
	for i := 0; i < hits; i++ {
		resp := doGet(t, app, target, browserUA)
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("hit %d status = %d, want 302", i+1, resp.StatusCode)
		}
		if loc := resp.Header.Get("Location"); loc != dest {
			t.Errorf("hit %d location = %q, want %q", i+1, loc, dest)
		}
	}

	var reloaded models.EmailTracking
	if err := db.First(&reloaded, tracking.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got := countEvents(&reloaded, models.EventClicked); got != hits {
		t.Errorf("clicked events = %d, want %d", got, hits)
	}

	var reloadedCampaign models.Campaign
	if err := db.First(&reloadedCampaign, campaign.ID).Error; err != nil {
		t.Fatal(err)
	}
	if reloadedCampaign.Clicked != hits {
		t.Errorf("clicked counter = %d, want %d", reloadedCampaign.Clicked, hits)
	}
}

func TestClickConcurrentHitsLoseNothing(t *testing.T) {
	db := newTestDB(t)
	campaign, _, tracking := seedTrackedEmail(t, db)
	app := newTrackingApp(db)

	dest := "https://example.com/products/42"
	target := "/tracking/click/" + tracking.TrackingPixelID + "?url=" + url.QueryEscape(dest)

	const hits = 4
	var wg sync.WaitGroup
	for i := 0; i < hits; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, target, nil)
			req.Header.Set("User-Agent", browserUA)
			resp, err := app.Test(req, -1)
			if err != nil {
				t.Errorf("click request: %v", err)
				return
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()

	var reloaded models.EmailTracking
	if err := db.First(&reloaded, tracking.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got := countEvents(&reloaded, models.EventClicked); got != hits {
		t.Errorf("clicked events = %d, want %d", got, hits)
	}

	var reloadedCampaign models.Campaign
	if err := db.First(&reloadedCampaign, campaign.ID).Error; err != nil {
		t.Fatal(err)
	}
	if reloadedCampaign.Clicked != hits {
		t.Errorf("clicked counter = %d, want %d", reloadedCampaign.Clicked, hits)
	}
}

func TestClickPreservesEscapedTarget(t *testing.T) {
	db := newTestDB(t)
	_, _, tracking := seedTrackedEmail(t, db)
	app := newTrackingApp(db)

	// A target legitimately containing percent-escapes must come out
	// of the query layer decoded exactly once.
	dest := "https://example.com/a%20b?q=50%25off"
	target := "/tracking/click/" + tracking.TrackingPixelID + "?url=" + url.QueryEscape(dest)

	resp := doGet(t, app, target, browserUA)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != dest {
		t.Errorf("location = %q, want %q", loc, dest)
	}

	var reloaded models.EmailTracking
	if err := db.First(&reloaded, tracking.ID).Error; err != nil {
		t.Fatal(err)
	}
	click := reloaded.FirstEventOfType(models.EventClicked)
	if click == nil {
		t.Fatal("no clicked event recorded")
	}
	if click.Data["url"] != dest {
		t.Errorf("event url = %q, want %q", click.Data["url"], dest)
	}
}

func TestClickRejectsBadTargets(t *testing.T) {
	db := newTestDB(t)
	_, _, tracking := seedTrackedEmail(t, db)
	app := newTrackingApp(db)
	base := "/tracking/click/" + tracking.TrackingPixelID

	cases := []struct {
		name   string
		target string
	}{
		{"missing url", base},
		{"relative url", base + "?url=" + url.QueryEscape("/local/path")},
		{"unsupported scheme", base + "?url=" + url.QueryEscape("javascript:alert(1)")},
		{"ftp scheme", base + "?url=" + url.QueryEscape("ftp://example.com/file")},
	}
	for _, tc := range cases {
		resp := doGet(t, app, tc.target, browserUA)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, resp.StatusCode)
		}
	}

	var reloaded models.EmailTracking
	if err := db.First(&reloaded, tracking.ID).Error; err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Events) != 0 {
		t.Errorf("rejected clicks recorded %d events", len(reloaded.Events))
	}
}

func TestClickUnknownIDStillRedirects(t *testing.T) {
	db := newTestDB(t)
	app := newTrackingApp(db)

	dest := "https://example.com/promo"
	resp := doGet(t, app, "/tracking/click/deadbeef?url="+url.QueryEscape(dest), browserUA)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != dest {
		t.Errorf("location = %q, want %q", loc, dest)
	}
}

func TestClickBotRedirectsWithoutMutation(t *testing.T) {
	db := newTestDB(t)
	campaign, _, tracking := seedTrackedEmail(t, db)
	app := newTrackingApp(db)

	dest := "https://example.com/promo"
	target := "/tracking/click/" + tracking.TrackingPixelID + "?url=" + url.QueryEscape(dest)

	resp := doGet(t, app, target, "python-requests/2.31")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != dest {
		t.Errorf("location = %q, want %q", loc, dest)
	}

	var reloaded models.EmailTracking
	if err := db.First(&reloaded, tracking.ID).Error; err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Events) != 0 {
		t.Errorf("bot click recorded %d events", len(reloaded.Events))
	}

	var reloadedCampaign models.Campaign
	if err := db.First(&reloadedCampaign, campaign.ID).Error; err != nil {
		t.Fatal(err)
	}
	if reloadedCampaign.Clicked != 0 {
		t.Errorf("clicked counter = %d, want 0", reloadedCampaign.Clicked)
	}
}
