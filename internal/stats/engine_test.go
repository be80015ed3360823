package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gamestats-mongo/internal/domain"
	"github.com/gamestats-mongo/internal/memstore"
	"github.com/gamestats-mongo/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingObserver struct {
	mu     sync.Mutex
	events []domain.QuarantineEvent
}

func (o *recordingObserver) StatsQuarantined(_ context.Context, e domain.QuarantineEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

type mapCache struct {
	profiles map[uuid.UUID]domain.PlayerProfile
	failGet  bool
	sets     int
}

func newMapCache() *mapCache {
	return &mapCache{profiles: map[uuid.UUID]domain.PlayerProfile{}}
}

func (c *mapCache) GetProfile(_ context.Context, id uuid.UUID) (*domain.PlayerProfile, error) {
	if c.failGet {
		return nil, errors.New("cache down")
	}
	p, ok := c.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (c *mapCache) SetProfile(_ context.Context, p *domain.PlayerProfile) error {
	c.sets++
	c.profiles[p.UUID] = *p
	return nil
}

// faultyCollection fails a set number of deletes and updates
type faultyCollection struct {
	store.Collection
	failDeletes int
	failUpdates int
}

func (c *faultyCollection) DeleteOne(ctx context.Context, filter bson.D) error {
	if c.failDeletes > 0 {
		c.failDeletes--
		return fmt.Errorf("delete: %w", domain.ErrStoreUnavailable)
	}
	return c.Collection.DeleteOne(ctx, filter)
}

func (c *faultyCollection) UpdateOne(ctx context.Context, filter bson.D, update bson.D) error {
	if c.failUpdates > 0 {
		c.failUpdates--
		return fmt.Errorf("update: %w", domain.ErrStoreUnavailable)
	}
	return c.Collection.UpdateOne(ctx, filter, update)
}

type faultyDB struct {
	*memstore.Store
	colls map[string]*faultyCollection
}

func newFaultyDB(names ...string) *faultyDB {
	db := &faultyDB{Store: memstore.New(), colls: map[string]*faultyCollection{}}
	_ = db.EnsureIndexes(context.Background())
	for _, name := range names {
		db.colls[name] = &faultyCollection{Collection: db.Store.Collection(name)}
	}
	return db
}

func (d *faultyDB) Collection(name string) store.Collection {
	if c, ok := d.colls[name]; ok {
		return c
	}
	return d.Store.Collection(name)
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memstore.Store) {
	t.Helper()
	db := memstore.New()
	require.NoError(t, db.EnsureIndexes(context.Background()))
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(db, zerolog.Nop(), opts...), db
}

func ptr(s string) *string { return &s }

func countDocs(t *testing.T, db *memstore.Store, collection string) int {
	t.Helper()
	docs, err := db.Collection(collection).Find(context.Background(), bson.D{})
	require.NoError(t, err)
	return len(docs)
}

func playerBundle(ns string, player uuid.UUID, updates domain.StatUpdates) *domain.UploadBundle {
	return &domain.UploadBundle{
		ServerName: "test-server",
		Namespace:  ns,
		Stats: domain.StatsBundle{
			Players: map[uuid.UUID]domain.StatUpdates{player: updates},
		},
	}
}

func TestEngine_ProfileRoundTrip(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)
	id := uuid.New()

	_, err := engine.GetProfile(ctx, id)
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)

	created, err := engine.EnsureProfile(ctx, id, ptr("alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", created.UsernameOrEmpty())

	got, err := engine.GetProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.UUID)
	assert.Equal(t, "alice", got.UsernameOrEmpty())

	before, err := db.Collection(store.PlayersCollection).FindOne(ctx, store.ProfileFilter(id))
	require.NoError(t, err)

	_, err = engine.EnsureProfile(ctx, id, ptr("alice"))
	require.NoError(t, err)
	after, err := db.Collection(store.PlayersCollection).FindOne(ctx, store.ProfileFilter(id))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = engine.EnsureProfile(ctx, id, ptr("bob"))
	require.NoError(t, err)
	got, err = engine.GetProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.UsernameOrEmpty())

	assert.Equal(t, 1, countDocs(t, db, store.PlayersCollection))
}

func TestEngine_EnsureProfileKeepsNameWhenNoneSupplied(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	id := uuid.New()

	_, err := engine.EnsureProfile(ctx, id, ptr("alice"))
	require.NoError(t, err)

	p, err := engine.EnsureProfile(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UsernameOrEmpty())
}

func TestEngine_EnsureProfileSetsNameOnAnonymousProfile(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	id := uuid.New()

	p, err := engine.EnsureProfile(ctx, id, nil)
	require.NoError(t, err)
	assert.Nil(t, p.Username)

	p, err = engine.EnsureProfile(ctx, id, ptr("carol"))
	require.NoError(t, err)
	assert.Equal(t, "carol", p.UsernameOrEmpty())
}

func TestEngine_ProfileCache(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	engine, _ := newTestEngine(t, WithProfileCache(cache))
	id := uuid.New()

	_, err := engine.EnsureProfile(ctx, id, ptr("alice"))
	require.NoError(t, err)
	cached := cache.profiles[id]
	assert.Equal(t, "alice", cached.UsernameOrEmpty())

	cache.failGet = true
	p, err := engine.GetProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.UsernameOrEmpty())
}

func TestEngine_EnsureStatsDocumentIdempotent(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)
	subject := domain.PlayerSubject(uuid.New(), "ffa")

	require.NoError(t, engine.EnsureStatsDocument(ctx, subject))
	require.NoError(t, engine.EnsureStatsDocument(ctx, subject))
	assert.Equal(t, 1, countDocs(t, db, store.PlayerStatsCollection))

	global := domain.GlobalSubject("ffa")
	require.NoError(t, engine.EnsureStatsDocument(ctx, global))
	require.NoError(t, engine.EnsureStatsDocument(ctx, global))
	assert.Equal(t, 1, countDocs(t, db, store.GlobalStatsCollection))
}

func insertCorrupt(t *testing.T, db *memstore.Store, s domain.Subject) {
	t.Helper()
	doc := append(store.SubjectFilter(s), bson.E{Key: "stats", Value: bson.D{
		{Key: "kills", Value: bson.D{
			{Key: "type", Value: "int_total"},
			{Key: "value", Value: bson.D{{Key: "total", Value: int64(3)}, {Key: "count", Value: int64(1)}}},
		}},
		{Key: "deaths", Value: bson.D{
			{Key: "type", Value: "int_total"},
			{Key: "value", Value: int64(2)},
		}},
	}})
	_, err := db.Collection(store.SubjectCollection(s)).InsertOne(context.Background(), doc)
	require.NoError(t, err)
}

func TestEngine_EnsureQuarantinesCorruptDocument(t *testing.T) {
	ctx := context.Background()
	observer := &recordingObserver{}
	engine, db := newTestEngine(t, WithQuarantineObserver(observer))
	player := uuid.New()
	subject := domain.PlayerSubject(player, "ffa")
	insertCorrupt(t, db, subject)

	require.NoError(t, engine.EnsureStatsDocument(ctx, subject))

	docs, err := db.Collection(store.PlayerStatsCollection).Find(ctx, bson.D{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	doc, err := store.DecodeStatsDocument(subject, docs[0])
	require.NoError(t, err)
	assert.Empty(t, doc.Stats)

	quarantined, err := db.Collection(store.QuarantineCollection).Find(ctx, bson.D{})
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	q := quarantined[0]
	assert.Equal(t, store.PlayerStatsCollection, q.Lookup("source").StringValue())
	assert.Equal(t, "ffa", q.Lookup("namespace").StringValue())
	assert.False(t, q.Lookup("global").Boolean())
	assert.Contains(t, q.Lookup("error").StringValue(), "kills")

	content := q.Lookup("document").Document()
	_, err = content.LookupErr("_id")
	assert.Error(t, err, "quarantine copy must not carry the original identity")
	assert.Equal(t, int64(2), content.Lookup("stats", "deaths", "value").Int64())
	assert.Equal(t, int64(3), content.Lookup("stats", "kills", "value", "total").Int64())

	require.Len(t, observer.events, 1)
	assert.Equal(t, player.String(), observer.events[0].Player)
	assert.Equal(t, fixedNow, observer.events[0].Timestamp)
	assert.NotEmpty(t, observer.events[0].QuarantineID)
}

func TestEngine_QuarantineToleratesVanishedDocument(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)
	subject := domain.GlobalSubject("ctf")

	err := engine.QuarantineStatsDocument(ctx, subject, domain.ErrDocumentCorrupted)
	require.NoError(t, err)
	assert.Equal(t, 0, countDocs(t, db, store.QuarantineCollection))

	require.NoError(t, engine.EnsureStatsDocument(ctx, subject))
	assert.Equal(t, 1, countDocs(t, db, store.GlobalStatsCollection))
}

func TestEngine_QuarantineThenEnsure(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)
	subject := domain.GlobalSubject("ffa")
	insertCorrupt(t, db, subject)

	require.NoError(t, engine.QuarantineStatsDocument(ctx, subject, domain.ErrDocumentCorrupted))
	require.NoError(t, engine.EnsureStatsDocument(ctx, subject))
	require.NoError(t, engine.EnsureStatsDocument(ctx, subject))

	docs, err := db.Collection(store.GlobalStatsCollection).Find(ctx, bson.D{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	doc, err := store.DecodeStatsDocument(subject, docs[0])
	require.NoError(t, err)
	assert.Empty(t, doc.Stats)

	quarantined, err := db.Collection(store.QuarantineCollection).Find(ctx, bson.D{})
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.True(t, quarantined[0].Lookup("global").Boolean())
	assert.Equal(t, store.GlobalStatsCollection, quarantined[0].Lookup("source").StringValue())
}

func TestEngine_UploadAccumulates(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	player := uuid.New()

	_, err := engine.UploadBundle(ctx, playerBundle("ffa", player, domain.StatUpdates{
		"kills": domain.IntTotalIncrement(3),
	}))
	require.NoError(t, err)
	summary, err := engine.UploadBundle(ctx, playerBundle("ffa", player, domain.StatUpdates{
		"kills": domain.IntTotalIncrement(2),
	}))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{player}, summary.Players)
	assert.Equal(t, 1, summary.StatCount)

	ns := "ffa"
	stats, err := engine.GetPlayerStats(ctx, player, &ns)
	require.NoError(t, err)
	assert.Equal(t, domain.PlayerStats{"ffa": {"kills": 5}}, stats)
}

func TestEngine_UploadEveryVariantTwice(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	player := uuid.New()

	for _, sample := range []float64{4, 7} {
		_, err := engine.UploadBundle(ctx, playerBundle("bw", player, domain.StatUpdates{
			"kills":    domain.IntTotalIncrement(int64(sample)),
			"damage":   domain.FloatTotalIncrement(sample + 0.5),
			"placing":  domain.IntRollingSample(int64(sample)),
			"accuracy": domain.FloatRollingSample(sample / 10),
		}))
		require.NoError(t, err)
	}

	stats, err := engine.GetPlayerStats(ctx, player, nil)
	require.NoError(t, err)
	bw := stats["bw"]
	assert.Equal(t, 11.0, bw["kills"])
	assert.InDelta(t, 12.0, bw["damage"], 1e-9)
	assert.Equal(t, 5.5, bw["placing"])
	assert.InDelta(t, 0.55, bw["accuracy"], 1e-9)
}

func TestEngine_UploadGlobalStats(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	bundle := playerBundle("ffa", uuid.New(), domain.StatUpdates{"kills": domain.IntTotalIncrement(1)})
	bundle.Stats.Global = domain.StatUpdates{"games": domain.IntTotalIncrement(1)}
	summary, err := engine.UploadBundle(ctx, bundle)
	require.NoError(t, err)
	assert.True(t, summary.Global)
	assert.Equal(t, 2, summary.StatCount)

	_, err = engine.UploadBundle(ctx, bundle)
	require.NoError(t, err)

	global, err := engine.GetGlobalStats(ctx, "ffa")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"games": 2}, global)

	_, err = engine.GetGlobalStats(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrNamespaceNotFound)
}

func TestEngine_UploadRejectsInvalidNameBeforeTouchingStore(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)

	bundle := playerBundle("ffa", uuid.New(), domain.StatUpdates{
		"kills":       domain.IntTotalIncrement(1),
		"kills.count": domain.IntTotalIncrement(1),
	})
	_, err := engine.UploadBundle(ctx, bundle)
	assert.ErrorIs(t, err, domain.ErrInvalidStatName)
	assert.True(t, domain.IsValidationError(err))

	assert.Equal(t, 0, countDocs(t, db, store.PlayersCollection))
	assert.Equal(t, 0, countDocs(t, db, store.PlayerStatsCollection))
}

func TestEngine_UploadRejectsEmptyNamespace(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.UploadBundle(context.Background(), playerBundle("", uuid.New(), nil))
	assert.ErrorIs(t, err, domain.ErrInvalidNamespace)
}

func TestEngine_UploadKindSwitchQuarantinesSubject(t *testing.T) {
	ctx := context.Background()
	observer := &recordingObserver{}
	engine, db := newTestEngine(t, WithQuarantineObserver(observer))
	switched, other := uuid.New(), uuid.New()

	_, err := engine.UploadBundle(ctx, playerBundle("ffa", switched, domain.StatUpdates{
		"time": domain.FloatTotalIncrement(1.5),
	}))
	require.NoError(t, err)

	bundle := &domain.UploadBundle{
		ServerName: "test-server",
		Namespace:  "ffa",
		Stats: domain.StatsBundle{Players: map[uuid.UUID]domain.StatUpdates{
			switched: {"time": domain.IntTotalIncrement(2), "kills": domain.IntTotalIncrement(1)},
			other:    {"kills": domain.IntTotalIncrement(5)},
		}},
	}
	for i := 0; i < 3; i++ {
		_, err = engine.UploadBundle(ctx, bundle)
		require.NoError(t, err)
	}

	ns := "ffa"
	stats, err := engine.GetPlayerStats(ctx, switched, &ns)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"time": 6, "kills": 3}, stats["ffa"])

	stats, err = engine.GetPlayerStats(ctx, other, &ns)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"kills": 15}, stats["ffa"])

	quarantined, err := db.Collection(store.QuarantineCollection).Find(ctx, bson.D{})
	require.NoError(t, err)
	require.Len(t, quarantined, 1, "only the switching subject is quarantined, once")
	assert.Equal(t, 1.5, quarantined[0].Lookup("document", "stats", "time", "value").Double())
	assert.Contains(t, quarantined[0].Lookup("error").StringValue(), "time")

	require.Len(t, observer.events, 1)
	assert.Equal(t, switched.String(), observer.events[0].Player)
}

func TestEngine_UploadKindSwitchOnGlobalStats(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)

	bundle := &domain.UploadBundle{Namespace: "ffa", Stats: domain.StatsBundle{
		Global: domain.StatUpdates{"length": domain.IntRollingSample(30)},
	}}
	_, err := engine.UploadBundle(ctx, bundle)
	require.NoError(t, err)

	bundle.Stats.Global = domain.StatUpdates{"length": domain.FloatRollingSample(12.5)}
	_, err = engine.UploadBundle(ctx, bundle)
	require.NoError(t, err)

	global, err := engine.GetGlobalStats(ctx, "ffa")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"length": 12.5}, global)
	assert.Equal(t, 1, countDocs(t, db, store.QuarantineCollection))
}

func TestEngine_UploadEnsuresEmptyUpdateSets(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)
	player := uuid.New()

	bundle := &domain.UploadBundle{
		ServerName: "test-server",
		Namespace:  "ffa",
		Stats: domain.StatsBundle{
			Players: map[uuid.UUID]domain.StatUpdates{player: {}},
			Global:  domain.StatUpdates{},
		},
	}
	summary, err := engine.UploadBundle(ctx, bundle)
	require.NoError(t, err)
	assert.True(t, summary.Global)
	assert.Zero(t, summary.StatCount)

	assert.Equal(t, 1, countDocs(t, db, store.PlayersCollection))
	assert.Equal(t, 1, countDocs(t, db, store.PlayerStatsCollection))
	assert.Equal(t, 1, countDocs(t, db, store.GlobalStatsCollection))

	ns := "ffa"
	stats, err := engine.GetPlayerStats(ctx, player, &ns)
	require.NoError(t, err)
	assert.Empty(t, stats["ffa"])

	global, err := engine.GetGlobalStats(ctx, "ffa")
	require.NoError(t, err)
	assert.Empty(t, global)
}

func TestEngine_UploadWithoutGlobalSectionLeavesGlobalStats(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)

	_, err := engine.UploadBundle(ctx, playerBundle("ffa", uuid.New(), domain.StatUpdates{
		"kills": domain.IntTotalIncrement(1),
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, countDocs(t, db, store.GlobalStatsCollection))
}

func TestEngine_QuarantineWithdrawsCopyWhenDeleteFails(t *testing.T) {
	ctx := context.Background()
	db := newFaultyDB(store.PlayerStatsCollection)
	engine := NewEngine(db, zerolog.Nop(), WithClock(func() time.Time { return fixedNow }))
	subject := domain.PlayerSubject(uuid.New(), "ffa")
	insertCorrupt(t, db.Store, subject)

	db.colls[store.PlayerStatsCollection].failDeletes = 1
	err := engine.EnsureStatsDocument(ctx, subject)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 0, countDocs(t, db.Store, store.QuarantineCollection))
	assert.Equal(t, 1, countDocs(t, db.Store, store.PlayerStatsCollection))

	require.NoError(t, engine.EnsureStatsDocument(ctx, subject))
	assert.Equal(t, 1, countDocs(t, db.Store, store.QuarantineCollection))

	docs, err := db.Store.Collection(store.PlayerStatsCollection).Find(ctx, bson.D{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	doc, err := store.DecodeStatsDocument(subject, docs[0])
	require.NoError(t, err)
	assert.Empty(t, doc.Stats)
}

func TestEngine_UploadRecoversFromCorruptDocument(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)
	player := uuid.New()
	_, err := engine.EnsureProfile(ctx, player, nil)
	require.NoError(t, err)
	insertCorrupt(t, db, domain.PlayerSubject(player, "ffa"))

	_, err = engine.UploadBundle(ctx, playerBundle("ffa", player, domain.StatUpdates{
		"kills": domain.IntTotalIncrement(4),
	}))
	require.NoError(t, err)

	ns := "ffa"
	stats, err := engine.GetPlayerStats(ctx, player, &ns)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"kills": 4}, stats["ffa"])
	assert.Equal(t, 1, countDocs(t, db, store.QuarantineCollection))
}

func TestEngine_GetPlayerStats(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)

	_, err := engine.GetPlayerStats(ctx, uuid.New(), nil)
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)

	player := uuid.New()
	_, err = engine.EnsureProfile(ctx, player, ptr("alice"))
	require.NoError(t, err)

	ns := "ffa"
	stats, err := engine.GetPlayerStats(ctx, player, &ns)
	require.NoError(t, err)
	assert.Equal(t, domain.PlayerStats{"ffa": {}}, stats)

	stats, err = engine.GetPlayerStats(ctx, player, nil)
	require.NoError(t, err)
	assert.Empty(t, stats)

	for _, namespace := range []string{"ffa", "bw"} {
		_, err := engine.UploadBundle(ctx, playerBundle(namespace, player, domain.StatUpdates{
			"wins": domain.IntTotalIncrement(1),
		}))
		require.NoError(t, err)
	}
	insertCorrupt(t, db, domain.PlayerSubject(player, "ctf"))

	stats, err = engine.GetPlayerStats(ctx, player, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PlayerStats{
		"ffa": {"wins": 1},
		"bw":  {"wins": 1},
	}, stats)
	assert.Equal(t, 1, countDocs(t, db, store.QuarantineCollection))
}

func TestEngine_ReadsLegacyAverageTags(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)
	player := uuid.New()
	_, err := engine.EnsureProfile(ctx, player, nil)
	require.NoError(t, err)

	doc := append(store.SubjectFilter(domain.PlayerSubject(player, "ffa")), bson.E{Key: "stats", Value: bson.D{
		{Key: "placing", Value: bson.D{
			{Key: "type", Value: "int_rolling_average"},
			{Key: "value", Value: bson.D{{Key: "total", Value: int32(9)}, {Key: "count", Value: int32(3)}}},
		}},
	}})
	_, err = db.Collection(store.PlayerStatsCollection).InsertOne(ctx, doc)
	require.NoError(t, err)

	_, err = engine.UploadBundle(ctx, playerBundle("ffa", player, domain.StatUpdates{
		"placing": domain.IntRollingSample(1),
	}))
	require.NoError(t, err)

	ns := "ffa"
	stats, err := engine.GetPlayerStats(ctx, player, &ns)
	require.NoError(t, err)
	assert.Equal(t, 2.5, stats["ffa"]["placing"])
}

func TestEngine_Ping(t *testing.T) {
	engine, _ := newTestEngine(t)
	assert.NoError(t, engine.Ping(context.Background()))
}
