package order

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bundl/bundl/internal/db"
)

var _ db.DBTX = (*fakeOrderDBTX)(nil)

// fakeOrderDBTX is a minimal in-memory stand-in for db.DBTX, recognizing
// Store's queries by a distinguishing substring rather than modeling SQL.
type fakeOrderDBTX struct {
	rows map[uuid.UUID]*orderRecord
}

type orderRecord struct {
	status      Status
	creatorID   uuid.UUID
	amountNeed  float64
	pledgeMap   []byte
	totalPledge float64
	totalUsers  int
	platform    string
	lat, lon    float64
	ttl         int
	createdAt   time.Time
	updatedAt   time.Time
}

func newFakeOrderDBTX() *fakeOrderDBTX {
	return &fakeOrderDBTX{rows: map[uuid.UUID]*orderRecord{}}
}

func (f *fakeOrderDBTX) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if !strings.Contains(sql, "WHERE status = 'ACTIVE'") {
		return nil, errors.New("unsupported query in fake")
	}
	var ids []uuid.UUID
	for id, r := range f.rows {
		if r.status == StatusActive {
			ids = append(ids, id)
		}
	}
	return &fakeOrderRows{ids: ids, f: f}, nil
}

func (f *fakeOrderDBTX) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "UPDATE orders SET pledge_map"):
		id := args[0].(uuid.UUID)
		r, ok := f.rows[id]
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		r.pledgeMap = args[1].([]byte)
		r.totalPledge = args[2].(float64)
		r.totalUsers = args[3].(int)
		r.updatedAt = time.Now()
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "status = 'COMPLETE'"):
		id := args[0].(uuid.UUID)
		r, ok := f.rows[id]
		if !ok || r.status != StatusActive {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		r.status = StatusComplete
		r.pledgeMap = args[1].([]byte)
		r.totalPledge = args[2].(float64)
		r.totalUsers = args[3].(int)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func (f *fakeOrderDBTX) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "INSERT INTO orders"):
		id := args[0].(uuid.UUID)
		now := time.Now()
		f.rows[id] = &orderRecord{
			status:      Status(args[1].(Status)),
			creatorID:   args[2].(uuid.UUID),
			amountNeed:  args[3].(float64),
			pledgeMap:   args[4].([]byte),
			totalPledge: args[5].(float64),
			totalUsers:  args[6].(int),
			platform:    args[7].(string),
			lat:         args[8].(float64),
			lon:         args[9].(float64),
			ttl:         args[10].(int),
			createdAt:   now,
			updatedAt:   now,
		}
		return fakeInsertRow{r: f.rows[id]}
	case strings.Contains(sql, "SELECT") && strings.Contains(sql, "FROM orders WHERE id"):
		id := args[0].(uuid.UUID)
		r, ok := f.rows[id]
		if !ok {
			return fakeOrderRow{err: pgx.ErrNoRows}
		}
		return fakeOrderRow{id: id, r: r}
	case strings.Contains(sql, "UPDATE orders SET status = 'EXPIRED'"):
		id := args[0].(uuid.UUID)
		r, ok := f.rows[id]
		if !ok || r.status != StatusActive {
			return fakeOrderRow{err: pgx.ErrNoRows}
		}
		r.status = StatusExpired
		return fakeOrderRow{id: id, r: r}
	}
	return fakeOrderRow{err: errors.New("unsupported query in fake")}
}

type fakeInsertRow struct {
	r *orderRecord
}

func (row fakeInsertRow) Scan(dest ...any) error {
	*dest[0].(*time.Time) = row.r.createdAt
	*dest[1].(*time.Time) = row.r.updatedAt
	return nil
}

type fakeOrderRow struct {
	id  uuid.UUID
	r   *orderRecord
	err error
}

func (row fakeOrderRow) Scan(dest ...any) error {
	if row.err != nil {
		return row.err
	}
	*dest[0].(*uuid.UUID) = row.id
	*dest[1].(*Status) = row.r.status
	*dest[2].(*uuid.UUID) = row.r.creatorID
	*dest[3].(*float64) = row.r.amountNeed
	*dest[4].(*[]byte) = row.r.pledgeMap
	*dest[5].(*float64) = row.r.totalPledge
	*dest[6].(*int) = row.r.totalUsers
	*dest[7].(*string) = row.r.platform
	*dest[8].(*float64) = row.r.lat
	*dest[9].(*float64) = row.r.lon
	*dest[10].(*int) = row.r.ttl
	*dest[11].(*time.Time) = row.r.createdAt
	*dest[12].(*time.Time) = row.r.updatedAt
	return nil
}

type fakeOrderRows struct {
	ids []uuid.UUID
	f   *fakeOrderDBTX
	pos int
}

func (rows *fakeOrderRows) Next() bool {
	if rows.pos >= len(rows.ids) {
		return false
	}
	rows.pos++
	return true
}

func (rows *fakeOrderRows) Scan(dest ...any) error {
	id := rows.ids[rows.pos-1]
	return fakeOrderRow{id: id, r: rows.f.rows[id]}.Scan(dest...)
}

func (rows *fakeOrderRows) Err() error                        { return nil }
func (rows *fakeOrderRows) Close()                             {}
func (rows *fakeOrderRows) CommandTag() pgconn.CommandTag      { return pgconn.NewCommandTag("") }
func (rows *fakeOrderRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (rows *fakeOrderRows) Values() ([]any, error)             { return nil, nil }
func (rows *fakeOrderRows) RawValues() [][]byte                { return nil }
func (rows *fakeOrderRows) Conn() *pgx.Conn                    { return nil }

func TestStoreInsertAndGet(t *testing.T) {
	db := newFakeOrderDBTX()
	s := NewStore(db)

	o := &Order{
		ID:           uuid.New(),
		Status:       StatusActive,
		CreatorID:    uuid.New(),
		AmountNeeded: 25,
		PledgeMap:    map[string]float64{},
		Platform:     "doordash",
		Latitude:     1,
		Longitude:    2,
		TTLSeconds:   900,
	}

	if err := s.Insert(context.Background(), o); err != nil {
		t.Fatalf("Insert: unexpected error: %v", err)
	}
	if o.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be populated")
	}

	got, err := s.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("Get: unexpected error: %v", err)
	}
	if got.AmountNeeded != 25 || got.Platform != "doordash" {
		t.Fatalf("unexpected order returned: %+v", got)
	}
}

func TestStoreExpireIsIdempotent(t *testing.T) {
	db := newFakeOrderDBTX()
	s := NewStore(db)

	o := &Order{ID: uuid.New(), Status: StatusActive, CreatorID: uuid.New(), AmountNeeded: 10, PledgeMap: map[string]float64{}}
	if err := s.Insert(context.Background(), o); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	expired, ok, err := s.Expire(context.Background(), o.ID)
	if err != nil || !ok {
		t.Fatalf("Expire: ok=%v err=%v", ok, err)
	}
	if expired.Status != StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", expired.Status)
	}

	_, ok, err = s.Expire(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("second Expire: unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected second Expire to be a no-op")
	}
}

func TestStoreListActive(t *testing.T) {
	db := newFakeOrderDBTX()
	s := NewStore(db)

	active := &Order{ID: uuid.New(), Status: StatusActive, CreatorID: uuid.New(), AmountNeeded: 10, PledgeMap: map[string]float64{}}
	other := &Order{ID: uuid.New(), Status: StatusActive, CreatorID: uuid.New(), AmountNeeded: 10, PledgeMap: map[string]float64{}}
	if err := s.Insert(context.Background(), active); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(context.Background(), other); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, _, err := s.Expire(context.Background(), other.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	list, err := s.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: unexpected error: %v", err)
	}
	if len(list) != 1 || list[0].ID != active.ID {
		t.Fatalf("expected only the still-active order, got %+v", list)
	}
}
