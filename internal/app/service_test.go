package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lexreport/api/internal/auth"
	"lexreport/api/internal/blocks"
	"lexreport/api/internal/config"
	"lexreport/api/internal/store"
)

// fakeStore keeps reports and sections in memory. Content writes are
// announced on changes, the way the database trigger does.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	reports  map[string]store.Report
	sections map[string]store.Section
	clock    time.Time
	changes  chan store.SectionChange

	pingFn func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]store.User),
		reports:  make(map[string]store.Report),
		sections: make(map[string]store.Section),
		clock:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		changes:  make(chan store.SectionChange, 16),
	}
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeStore) addUser(id, name, email, role string) store.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := store.User{ID: id, DisplayName: name, Email: email, Role: role}
	f.users[id] = user
	return user
}

func (f *fakeStore) addReport(id, title string) store.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	report := store.Report{ID: id, Title: title, CreatedAt: f.tick()}
	f.reports[id] = report
	return report
}

func (f *fakeStore) addSection(section store.Section) store.Section {
	f.mu.Lock()
	defer f.mu.Unlock()
	section.UpdatedAt = f.tick()
	if section.ContentBlocks == nil {
		section.ContentBlocks = []blocks.Block{}
	}
	f.sections[section.ID] = section
	return section
}

func (f *fakeStore) EnsureUser(_ context.Context, name, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	user := store.User{ID: "user-" + name, DisplayName: name, Email: email, Role: "editor"}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) InsertReport(_ context.Context, title, createdBy string) (store.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report := store.Report{ID: "report-" + title, Title: title, CreatedBy: createdBy, CreatedAt: f.tick()}
	f.reports[report.ID] = report
	return report, nil
}

func (f *fakeStore) GetReport(_ context.Context, id string) (store.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report, ok := f.reports[id]
	if !ok {
		return store.Report{}, sql.ErrNoRows
	}
	return report, nil
}

func (f *fakeStore) ListSections(_ context.Context, reportID string) ([]store.Section, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Section, 0)
	for _, section := range f.sections {
		if section.ReportID == reportID {
			items = append(items, section)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].OrderIndex < items[j].OrderIndex })
	return items, nil
}

func (f *fakeStore) GetSection(_ context.Context, id string) (store.Section, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	section, ok := f.sections[id]
	if !ok {
		return store.Section{}, sql.ErrNoRows
	}
	return section, nil
}

func (f *fakeStore) InsertSection(_ context.Context, item store.Section) (store.Section, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.OrderIndex < 0 {
		item.OrderIndex = 0
		for _, section := range f.sections {
			if section.ReportID == item.ReportID && section.OrderIndex >= item.OrderIndex {
				item.OrderIndex = section.OrderIndex + 1
			}
		}
	}
	if item.ID == "" {
		item.ID = "section-" + item.Title
	}
	item.UpdatedAt = f.tick()
	f.sections[item.ID] = item
	return item, nil
}

func (f *fakeStore) UpdateSectionBlocks(_ context.Context, id string, list []blocks.Block, userID string, base *time.Time) (store.Section, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	section, ok := f.sections[id]
	if !ok {
		return store.Section{}, sql.ErrNoRows
	}
	if section.Locked {
		return section, store.ErrSectionLocked
	}
	if base != nil && !base.Equal(section.UpdatedAt) {
		return section, store.ErrStaleWrite
	}
	section.ContentBlocks = list
	section.UpdatedBy = userID
	section.UpdatedAt = f.tick()
	f.sections[id] = section

	select {
	case f.changes <- store.SectionChange{ReportID: section.ReportID, SectionID: id, UserID: userID, UpdatedAt: section.UpdatedAt}:
	default:
	}
	return section, nil
}

func (f *fakeStore) SetSectionLocked(_ context.Context, id string, locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	section, ok := f.sections[id]
	if !ok {
		return sql.ErrNoRows
	}
	section.Locked = locked
	f.sections[id] = section
	return nil
}

func (f *fakeStore) ReorderSections(_ context.Context, reportID string, order []store.SectionOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range order {
		section, ok := f.sections[item.ID]
		if !ok || section.ReportID != reportID {
			return sql.ErrNoRows
		}
	}
	for _, item := range order {
		section := f.sections[item.ID]
		section.OrderIndex = item.OrderIndex
		f.sections[item.ID] = section
	}
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// Run implements changeSource over the writes recorded by the fake.
func (f *fakeStore) Run(ctx context.Context, handle func(store.SectionChange)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-f.changes:
			handle(change)
		}
	}
}

func newTestService(fs *fakeStore) *Service {
	return New(config.Config{
		JWTSecret:      "test-secret",
		AccessTTL:      time.Hour,
		CORSOrigin:     "*",
		BroadcastRate:  100,
		BroadcastBurst: 100,
	}, fs, zerolog.Nop())
}

func TestLoginIssuesParsableToken(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	session, err := svc.Login(context.Background(), "  Avery  ", "avery@example.com")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.UserName != "Avery" || session.UserEmail != "avery@example.com" {
		t.Fatalf("unexpected session %+v", session)
	}
	claims, err := auth.NewSigner("test-secret", nil).Parse(session.Token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Sub != session.UserID || claims.Email != "avery@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	restored, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if restored.UserID != session.UserID || restored.Role != "editor" {
		t.Fatalf("unexpected restored session %+v", restored)
	}
}

func TestSessionFromTokenPicksUpRoleChanges(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	session, err := svc.Login(context.Background(), "Avery", "avery@example.com")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	fs.addUser(session.UserID, "Avery", "avery@example.com", "viewer")

	restored, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if restored.Role != "viewer" {
		t.Fatalf("expected role viewer, got %q", restored.Role)
	}
}

func TestSaveSectionSortsAndPersists(t *testing.T) {
	fs := newFakeStore()
	fs.addReport("r1", "Annual")
	fs.addSection(store.Section{ID: "s1", ReportID: "r1", Title: "Intro"})
	svc := newTestService(fs)

	second := blocks.NewText("second", 1)
	first := blocks.NewHeading(1, "first", 0)
	payload, err := svc.SaveSection(context.Background(), Session{UserID: "u1"}, "s1", SaveSectionInput{
		ContentBlocks: []blocks.Block{second, first},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	saved, _ := payload["contentBlocks"].([]blocks.Block)
	if len(saved) != 2 || saved[0].ID != first.ID {
		t.Fatalf("expected blocks sorted by order, got %+v", saved)
	}
	if payload["userId"] != "u1" {
		t.Fatalf("expected author u1, got %v", payload["userId"])
	}

	select {
	case change := <-fs.changes:
		if change.SectionID != "s1" || change.UserID != "u1" {
			t.Fatalf("unexpected change %+v", change)
		}
	default:
		t.Fatal("expected a change notification")
	}
}

func TestSaveSectionErrors(t *testing.T) {
	fs := newFakeStore()
	fs.addReport("r1", "Annual")
	base := fs.addSection(store.Section{ID: "s1", ReportID: "r1"})
	fs.addSection(store.Section{ID: "locked", ReportID: "r1", Locked: true})
	svc := newTestService(fs)
	ctx := context.Background()
	block := blocks.NewText("x", 0)

	tests := []struct {
		name   string
		id     string
		input  SaveSectionInput
		status int
		code   string
	}{
		{name: "missing blocks", id: "s1", input: SaveSectionInput{}, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "duplicate ids", id: "s1", input: SaveSectionInput{ContentBlocks: []blocks.Block{block, block}}, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "locked", id: "locked", input: SaveSectionInput{ContentBlocks: []blocks.Block{block}}, status: http.StatusLocked, code: "SECTION_LOCKED"},
		{name: "stale", id: "s1", input: SaveSectionInput{ContentBlocks: []blocks.Block{block}, BaseUpdatedAt: timePtr(base.UpdatedAt.Add(-time.Minute))}, status: http.StatusConflict, code: "STALE_WRITE"},
		{name: "missing section", id: "nope", input: SaveSectionInput{ContentBlocks: []blocks.Block{block}}, status: http.StatusNotFound, code: "NOT_FOUND"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SaveSection(ctx, Session{UserID: "u1"}, tc.id, tc.input)
			if err == nil {
				t.Fatal("expected error")
			}
			status, code, _, _ := mapError(err)
			if status != tc.status || code != tc.code {
				t.Fatalf("expected %d %s, got %d %s", tc.status, tc.code, status, code)
			}
		})
	}
}

func TestStaleWriteCarriesCurrentSection(t *testing.T) {
	fs := newFakeStore()
	fs.addReport("r1", "Annual")
	fs.addSection(store.Section{ID: "s1", ReportID: "r1", ContentBlocks: []blocks.Block{blocks.NewText("stored", 0)}})
	svc := newTestService(fs)

	stale := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.SaveSection(context.Background(), Session{UserID: "u1"}, "s1", SaveSectionInput{
		ContentBlocks: []blocks.Block{blocks.NewText("mine", 0)},
		BaseUpdatedAt: &stale,
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error, got %v", err)
	}
	details, _ := domainErr.Details.(map[string]any)
	section, _ := details["section"].(map[string]any)
	if section["id"] != "s1" {
		t.Fatalf("expected current section in details, got %v", domainErr.Details)
	}
}

func TestReorderSectionsValidates(t *testing.T) {
	fs := newFakeStore()
	fs.addReport("r1", "Annual")
	fs.addSection(store.Section{ID: "a", ReportID: "r1", OrderIndex: 0})
	fs.addSection(store.Section{ID: "b", ReportID: "r1", OrderIndex: 1})
	svc := newTestService(fs)
	ctx := context.Background()

	if _, err := svc.ReorderSections(ctx, "r1", nil); err == nil {
		t.Fatal("expected error for empty order")
	}
	if _, err := svc.ReorderSections(ctx, "r1", []store.SectionOrder{{ID: "a", OrderIndex: 1}, {ID: "a", OrderIndex: 0}}); err == nil {
		t.Fatal("expected error for duplicate section")
	}

	payload, err := svc.ReorderSections(ctx, "r1", []store.SectionOrder{{ID: "a", OrderIndex: 1}, {ID: "b", OrderIndex: 0}})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	sections, _ := payload["sections"].([]map[string]any)
	if len(sections) != 2 || sections[0]["id"] != "b" {
		t.Fatalf("unexpected order %v", payload["sections"])
	}
}

func TestCreateSectionAppends(t *testing.T) {
	fs := newFakeStore()
	fs.addReport("r1", "Annual")
	fs.addSection(store.Section{ID: "a", ReportID: "r1", OrderIndex: 0})
	svc := newTestService(fs)

	payload, err := svc.CreateSection(context.Background(), Session{UserID: "u1"}, "r1", CreateSectionInput{Title: "Findings"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if payload["orderIndex"] != 1 {
		t.Fatalf("expected appended orderIndex 1, got %v", payload["orderIndex"])
	}

	if _, err := svc.CreateSection(context.Background(), Session{}, "missing", CreateSectionInput{}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected not found for missing report, got %v", err)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
