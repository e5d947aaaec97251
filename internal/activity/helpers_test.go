package activity

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/crm"
	"github.com/MarcoPoloResearchLab/relations/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "activity.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	models := []interface{}{&users.User{}, &Event{}}
	models = append(models, crm.Models()...)
	require.NoError(t, db.AutoMigrate(models...))
	return db
}

// steppingClock returns a clock that advances one minute per call.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		value := current
		current = current.Add(time.Minute)
		return value
	}
}

type fixture struct {
	alice   users.User
	bob     users.User
	acme    crm.Company
	globex  crm.Company
	carol   crm.Contact
	deal    crm.Lead
	comment crm.Comment
	email   crm.Email
}

func seedFixture(t *testing.T, db *gorm.DB) fixture {
	t.Helper()
	f := fixture{
		alice:  users.User{FirstName: "Alice", LastName: "Andersen"},
		bob:    users.User{FirstName: "Bob", LastName: "Berg"},
		acme:   crm.Company{Name: "Acme"},
		globex: crm.Company{Name: "Globex"},
		carol:  crm.Contact{FirstName: "Carol", LastName: "Dahl"},
	}
	require.NoError(t, db.Create(&f.alice).Error)
	require.NoError(t, db.Create(&f.bob).Error)
	require.NoError(t, db.Create(&f.acme).Error)
	require.NoError(t, db.Create(&f.globex).Error)
	require.NoError(t, db.Create(&f.carol).Error)

	f.deal = crm.Lead{Description: "Fleet renewal", Status: crm.LeadStatusNew, CompanyID: f.acme.ID, ContactID: &f.carol.ID, CreatedAt: testEpoch}
	require.NoError(t, db.Create(&f.deal).Error)
	f.comment = crm.Comment{Content: "Called about pricing", CreatedAt: testEpoch, CreatedByUserID: f.alice.ID, LeadID: &f.deal.ID}
	require.NoError(t, db.Create(&f.comment).Error)
	f.email = crm.Email{Subject: "Quote", Content: "Please find attached", CreatedAt: testEpoch, RecipientContactID: &f.carol.ID, RecipientCompanyID: &f.acme.ID}
	require.NoError(t, db.Create(&f.email).Error)
	return f
}

func newTestRecorder(t *testing.T, db *gorm.DB, publisher Publisher) *Recorder {
	t.Helper()
	recorder, err := NewRecorder(RecorderConfig{Database: db, Publisher: publisher, Clock: steppingClock(testEpoch)})
	require.NoError(t, err)
	return recorder
}

func record(t *testing.T, recorder *Recorder, payload Payload) Event {
	t.Helper()
	event, err := recorder.Record(context.Background(), payload)
	require.NoError(t, err)
	return event
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	args := m.Called(ctx, channel, payload)
	return args.Error(0)
}

type queryCounter struct {
	mu     sync.Mutex
	tables map[string]int
}

func (c *queryCounter) count(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tables[table]
}

func (c *queryCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := 0
	for _, value := range c.tables {
		sum += value
	}
	return sum
}

func (c *queryCounter) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = map[string]int{}
}

func countQueries(t *testing.T, db *gorm.DB) *queryCounter {
	t.Helper()
	counter := &queryCounter{tables: map[string]int{}}
	err := db.Callback().Query().After("gorm:query").Register("test:count_queries", func(tx *gorm.DB) {
		counter.mu.Lock()
		counter.tables[tx.Statement.Table]++
		counter.mu.Unlock()
	})
	require.NoError(t, err)
	return counter
}
