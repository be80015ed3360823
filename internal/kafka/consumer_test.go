package kafka

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/gamestats-mongo/internal/domain"
	"github.com/gamestats-mongo/internal/memstore"
	"github.com/gamestats-mongo/internal/service"
	"github.com/gamestats-mongo/internal/stats"
	"github.com/gamestats-mongo/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type fakeUploader struct {
	mu      sync.Mutex
	bundles []*domain.UploadBundle
	errs    []error
}

func (f *fakeUploader) UploadStats(_ context.Context, b *domain.UploadBundle) (*domain.UploadSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles = append(f.bundles, b)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &domain.UploadSummary{ServerName: b.ServerName, Namespace: b.Namespace, StatCount: b.StatCount()}, nil
}

func newProcessor(u BundleUploader) *processor {
	return &processor{uploader: u, logger: zerolog.Nop()}
}

func message(value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: "stats-uploads", Partition: 0, Offset: 42, Value: []byte(value)}
}

var validBundle = `{"server_name":"lobby-1","namespace":"ffa","stats":{"players":{"` +
	"6ba7b810-9dad-11d1-80b4-00c04fd430c8" + `":{"kills":{"type":"int_total","value":3}}}}}`

func TestDecodeBundle(t *testing.T) {
	bundle, err := DecodeBundle([]byte(validBundle))
	require.NoError(t, err)
	assert.Equal(t, "lobby-1", bundle.ServerName)
	assert.Equal(t, "ffa", bundle.Namespace)

	player := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.Equal(t, domain.IntTotalIncrement(3), bundle.Stats.Players[player]["kills"])
}

func TestDecodeBundle_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `nope`, domain.ErrInvalidRequest},
		{"unknown type", `{"namespace":"ffa","stats":{"players":{},"global":{"x":{"type":"max","value":1}}}}`, domain.ErrInvalidRequest},
		{"missing namespace", `{"stats":{"players":{}}}`, domain.ErrInvalidNamespace},
		{"dotted name", `{"namespace":"ffa","stats":{"players":{},"global":{"a.b":{"type":"int_total","value":1}}}}`, domain.ErrInvalidStatName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBundle([]byte(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProcessor_Applies(t *testing.T) {
	u := &fakeUploader{}
	p := newProcessor(u)

	assert.Equal(t, outcomeApplied, p.process(context.Background(), message(validBundle)))
	assert.Len(t, u.bundles, 1)
}

func TestProcessor_RejectsWithoutUpload(t *testing.T) {
	u := &fakeUploader{}
	p := newProcessor(u)

	assert.Equal(t, outcomeRejected, p.process(context.Background(), message(`{"namespace":""}`)))
	assert.Empty(t, u.bundles)
}

func TestProcessor_DoesNotRetryStoreFailures(t *testing.T) {
	u := &fakeUploader{errs: []error{domain.ErrStoreUnavailable}}
	p := newProcessor(u)

	assert.Equal(t, outcomeFailed, p.process(context.Background(), message(validBundle)))
	assert.Len(t, u.bundles, 1)
}

func TestProcessor_StoppedServiceLeavesMessage(t *testing.T) {
	u := &fakeUploader{errs: []error{domain.ErrServiceStopped}}
	p := newProcessor(u)

	assert.Equal(t, outcomeStopped, p.process(context.Background(), message(validBundle)))
}

func TestProcessor_WaitsForStartedUpload(t *testing.T) {
	u := &fakeUploader{}
	p := newProcessor(u)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, outcomeApplied, p.process(ctx, message(validBundle)))
}

// failingUpdates fails the first n updates of a collection
type failingUpdates struct {
	store.Collection
	n int
}

func (c *failingUpdates) UpdateOne(ctx context.Context, filter bson.D, update bson.D) error {
	if c.n > 0 {
		c.n--
		return fmt.Errorf("update: %w", domain.ErrStoreUnavailable)
	}
	return c.Collection.UpdateOne(ctx, filter, update)
}

type globalFailuresDB struct {
	*memstore.Store
	global *failingUpdates
}

func (d *globalFailuresDB) Collection(name string) store.Collection {
	if name == store.GlobalStatsCollection {
		return d.global
	}
	return d.Store.Collection(name)
}

func TestProcessor_PartialFailureIsNotReapplied(t *testing.T) {
	mem := memstore.New()
	require.NoError(t, mem.EnsureIndexes(context.Background()))
	db := &globalFailuresDB{Store: mem, global: &failingUpdates{Collection: mem.Collection(store.GlobalStatsCollection), n: 1}}

	svc := service.NewStatsService(stats.NewEngine(db, zerolog.Nop()), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-svc.Done()
	})

	body := `{"server_name":"lobby-1","namespace":"ffa","stats":{"players":{"` +
		"6ba7b810-9dad-11d1-80b4-00c04fd430c8" + `":{"kills":{"type":"int_total","value":3}}},` +
		`"global":{"games":{"type":"int_total","value":1}}}}`
	p := newProcessor(svc)

	assert.Equal(t, outcomeFailed, p.process(context.Background(), message(body)))

	player := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	got, err := svc.GetPlayerStats(context.Background(), player, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"kills": 3}, got["ffa"], "player increment applied exactly once")

	global, err := svc.GetGlobalStats(context.Background(), "ffa")
	require.NoError(t, err)
	assert.Empty(t, global)
}
