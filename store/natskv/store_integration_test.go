package natskv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/linesport/oddstream/errors"
	"github.com/linesport/oddstream/lifecycle"
	"github.com/linesport/oddstream/natsclient"
	"github.com/linesport/oddstream/testutil"
)

// StoreIntegrationSuite exercises the KV store against a containerized NATS
// server. Set ODDSTREAM_INTEGRATION=1 to run.
type StoreIntegrationSuite struct {
	suite.Suite
	container  *testutil.Container
	natsClient *natsclient.Client
	store      *Store
	ctx        context.Context
	cancel     context.CancelFunc
}

func (s *StoreIntegrationSuite) SetupSuite() {
	testutil.SkipUnlessIntegration(s.T())

	container, err := testutil.StartNATS(context.Background())
	s.Require().NoError(err)
	s.container = container

	client, err := natsclient.NewClient(container.NATSURL())
	s.Require().NoError(err)
	s.Require().NoError(client.Connect())
	s.natsClient = client
}

func (s *StoreIntegrationSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 30*time.Second)
	store, err := NewStore(s.ctx, s.natsClient)
	s.Require().NoError(err)
	s.store = store
}

func (s *StoreIntegrationSuite) TearDownTest() {
	// Drain the bucket so tests stay independent.
	recs, err := s.store.LoadAll(s.ctx)
	if err == nil {
		for _, rec := range recs {
			_ = s.store.Delete(s.ctx, rec.ID)
		}
	}
	s.cancel()
}

func (s *StoreIntegrationSuite) TearDownSuite() {
	if s.natsClient != nil {
		_ = s.natsClient.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *StoreIntegrationSuite) record(id string) *lifecycle.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &lifecycle.Record{
		ID:             id,
		CurrentState:   lifecycle.StateActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		Version:        2,
		History: []lifecycle.HistoryEntry{
			{Version: 1, Timestamp: now, State: lifecycle.StateCreated},
			{Version: 2, Timestamp: now, State: lifecycle.StateActive},
		},
		Transitions: []lifecycle.Transition{
			{To: lifecycle.StateCreated, Timestamp: now},
			{From: lifecycle.StateCreated, To: lifecycle.StateActive, Timestamp: now},
		},
	}
}

func (s *StoreIntegrationSuite) TestSaveAndLoad() {
	rec := s.record("game-1")
	s.Require().NoError(s.store.Save(s.ctx, rec))

	got, err := s.store.Load(s.ctx, "game-1")
	s.Require().NoError(err)
	s.Equal(lifecycle.StateActive, got.CurrentState)
	s.Equal(2, got.Version)
	s.Len(got.History, 2)
}

func (s *StoreIntegrationSuite) TestLoadNotFound() {
	_, err := s.store.Load(s.ctx, "ghost")
	s.Require().Error(err)
	s.True(errors.IsNotFound(err))
}

func (s *StoreIntegrationSuite) TestDelete() {
	s.Require().NoError(s.store.Save(s.ctx, s.record("game-1")))
	s.Require().NoError(s.store.Delete(s.ctx, "game-1"))

	_, err := s.store.Load(s.ctx, "game-1")
	s.Error(err)
	// Deleting again is a no-op.
	s.NoError(s.store.Delete(s.ctx, "game-1"))
}

func (s *StoreIntegrationSuite) TestLoadAll() {
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.store.Save(s.ctx, s.record(fmt.Sprintf("game-%d", i))))
	}

	recs, err := s.store.LoadAll(s.ctx)
	s.Require().NoError(err)
	s.Len(recs, 3)
}

func (s *StoreIntegrationSuite) TestUpdateMultiple() {
	batch := []*lifecycle.Record{s.record("a"), s.record("b")}
	s.Require().NoError(s.store.UpdateMultiple(s.ctx, batch))

	recs, err := s.store.LoadAll(s.ctx)
	s.Require().NoError(err)
	s.Len(recs, 2)
}

func (s *StoreIntegrationSuite) TestFindByState() {
	s.Require().NoError(s.store.Save(s.ctx, s.record("active-1")))
	dep := s.record("dep-1")
	dep.CurrentState = lifecycle.StateDeprecated
	s.Require().NoError(s.store.Save(s.ctx, dep))

	recs, err := s.store.FindByState(s.ctx, lifecycle.StateDeprecated)
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal("dep-1", recs[0].ID)
}

func (s *StoreIntegrationSuite) TestFindExpired() {
	stale := s.record("stale")
	past := time.Now().Add(-time.Hour)
	stale.ExpiresAt = &past
	s.Require().NoError(s.store.Save(s.ctx, stale))
	s.Require().NoError(s.store.Save(s.ctx, s.record("open")))

	recs, err := s.store.FindExpired(s.ctx, time.Now())
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal("stale", recs[0].ID)
}

func (s *StoreIntegrationSuite) TestFindArchivalCandidates() {
	old := s.record("old")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	s.Require().NoError(s.store.Save(s.ctx, old))
	s.Require().NoError(s.store.Save(s.ctx, s.record("fresh")))

	recs, err := s.store.FindArchivalCandidates(s.ctx, time.Now().Add(-24*time.Hour))
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal("old", recs[0].ID)
}

func (s *StoreIntegrationSuite) TestGetStats() {
	s.Require().NoError(s.store.Save(s.ctx, s.record("a")))
	dep := s.record("b")
	dep.CurrentState = lifecycle.StateDeprecated
	s.Require().NoError(s.store.Save(s.ctx, dep))

	stats, err := s.store.GetStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, stats.Total)
	s.Equal(1, stats.ByState[lifecycle.StateActive])
	s.Equal(1, stats.ByState[lifecycle.StateDeprecated])
}

func TestStoreIntegrationSuite(t *testing.T) {
	suite.Run(t, new(StoreIntegrationSuite))
}
