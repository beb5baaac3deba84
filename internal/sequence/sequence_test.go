package sequence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var jan15 = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

func TestNextNumberSequentialAndDailyReset(t *testing.T) {
	ctx := context.Background()
	g := Generator{Counter: &MemoryCounter{}}

	var got []string
	for i := 0; i < 3; i++ {
		n, err := g.Next(ctx, "INF", jan15)
		require.NoError(t, err)
		got = append(got, n)
	}
	assert.Equal(t, []string{"INF-20250115-0001", "INF-20250115-0002", "INF-20250115-0003"}, got)

	n, err := g.Next(ctx, "INF", jan15.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, "INF-20250116-0001", n)

	n, err = g.Next(ctx, "elect", jan15)
	require.NoError(t, err)
	assert.Equal(t, "ELECT-20250115-0001", n, "prefixes count independently")
}

func TestNextNumberUsesLocationDay(t *testing.T) {
	g := Generator{Counter: &MemoryCounter{}, Location: time.FixedZone("UTC+2", 2*3600)}
	n, err := g.Next(context.Background(), "INF", time.Date(2025, 1, 15, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "INF-20250116-0001", n)
}

func TestNextNumberExhausted(t *testing.T) {
	c := &MemoryCounter{values: map[Key]int64{{Prefix: "INF", Day: "20250115"}: 9998}}
	g := Generator{Counter: c}

	n, err := g.Next(context.Background(), "INF", jan15)
	require.NoError(t, err)
	assert.Equal(t, "INF-20250115-9999", n)

	_, err = g.Next(context.Background(), "INF", jan15)
	var ex ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, int64(10000), ex.Value)
}

func TestNextNumberValidatesInput(t *testing.T) {
	_, err := Generator{Counter: &MemoryCounter{}}.Next(context.Background(), "  ", jan15)
	assert.Error(t, err)
	_, err = Generator{}.Next(context.Background(), "INF", jan15)
	assert.Error(t, err)
}

func TestSQLCounterIssuesSingleUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO ticket_sequences").
		WithArgs("INF", "20250115").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(7))

	n, err := Generator{Counter: SQLCounter{Q: db}}.Next(context.Background(), "INF", jan15)
	require.NoError(t, err)
	assert.Equal(t, "INF-20250115-0007", n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLCounterConcurrentCallersGetDistinctNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seq.db")
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE ticket_sequences(prefix TEXT NOT NULL, day TEXT NOT NULL, value INTEGER NOT NULL, PRIMARY KEY(prefix, day))`)
	require.NoError(t, err)

	g := Generator{Counter: SQLCounter{Q: db}}
	const callers = 40
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := g.Next(context.Background(), "INF", jan15)
			assert.NoError(t, err)
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, callers)
	assert.True(t, seen["INF-20250115-0040"])
}

func TestRedisCounter(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := &RedisCounter{Client: rdb}
	key := "weighline:seq:INF:20250115"

	for _, n := range []int64{1, 2} {
		mock.ExpectTxPipeline()
		mock.ExpectIncr(key).SetVal(n)
		mock.ExpectExpire(key, DefaultRedisTTL).SetVal(true)
		mock.ExpectTxPipelineExec()
	}

	g := Generator{Counter: c}
	n, err := g.Next(context.Background(), "INF", jan15)
	require.NoError(t, err)
	assert.Equal(t, "INF-20250115-0001", n)
	n, err = g.Next(context.Background(), "INF", jan15)
	require.NoError(t, err)
	assert.Equal(t, "INF-20250115-0002", n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCounterPropagatesErrors(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mock.ExpectTxPipeline()
	mock.ExpectIncr("weighline:seq:INF:20250115").SetErr(errors.New("connection refused"))
	_, err := Generator{Counter: &RedisCounter{Client: rdb}}.Next(context.Background(), "INF", jan15)
	assert.ErrorContains(t, err, "connection refused")
}

func TestRedisCounterExpiresInTheSameTransaction(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	key := "depot:seq:INF:20250115"
	mock.ExpectTxPipeline()
	mock.ExpectIncr(key).SetVal(1)
	mock.ExpectExpire(key, time.Hour).SetErr(errors.New("READONLY"))
	mock.ExpectTxPipelineExec()

	_, err := (&RedisCounter{Client: rdb, Namespace: "depot", TTL: time.Hour}).Increment(context.Background(), Key{Prefix: "INF", Day: "20250115"})
	assert.ErrorContains(t, err, "READONLY")
}

type closingClient struct {
	redis.Cmdable
	closed int
}

func (c *closingClient) Close() error {
	c.closed++
	return nil
}

func TestRedisCounterCloseReleasesClient(t *testing.T) {
	cl := &closingClient{}
	(&RedisCounter{Client: cl}).Close()
	assert.Equal(t, 1, cl.closed)
}

func TestPostgresCounter(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	c, err := NewPostgresCounter(ctx, dsn)
	require.NoError(t, err)
	defer c.Close()

	prefix := fmt.Sprintf("T%d", time.Now().UnixNano()%100000)
	g := Generator{Counter: c}
	first, err := g.Next(ctx, prefix, jan15)
	require.NoError(t, err)
	second, err := g.Next(ctx, prefix, jan15)
	require.NoError(t, err)
	assert.Equal(t, prefix+"-20250115-0001", first)
	assert.Equal(t, prefix+"-20250115-0002", second)
}
